package updater

import (
	"context"
	"strings"

	"github.com/lijl44/stdOpneBMCWeb/bus"
	"github.com/lijl44/stdOpneBMCWeb/messages"
)

const simpleUpdateAction = "UpdateService.SimpleUpdate"

// TransferProtocolTFTP is the only remote transfer protocol supported.
const TransferProtocolTFTP = "TFTP"

// ParseImageURI splits an image URI into the server and the file to fetch.
// The protocol is either given separately or embedded in the URI, as in
// tftp://1.1.1.1/image.bin.
func ParseImageURI(imageURI string, protocol string) (string, string, error) {
	invalid := &ValidationError{Message: messages.ActionParameterValueTypeError(imageURI, "ImageURI", simpleUpdateAction)}

	if protocol == "" {
		separator := strings.Index(imageURI, ":")
		if separator < 0 || !strings.HasPrefix(imageURI[separator:], "://") {
			return "", "", invalid
		}

		protocol = strings.ToUpper(imageURI[:separator])
		imageURI = imageURI[separator+3:]
	}

	if protocol != TransferProtocolTFTP {
		return "", "", &ValidationError{Message: messages.ActionParameterNotSupported("TransferProtocol", simpleUpdateAction)}
	}

	separator := strings.Index(imageURI, "/")
	if separator <= 0 || separator+1 >= len(imageURI) {
		return "", "", invalid
	}

	return imageURI[:separator], imageURI[separator+1:], nil
}

// SimpleUpdate opens a background session and asks the platform to fetch the
// image. It returns as soon as the transfer was requested; a transfer that
// cannot be started ends the session.
func (u *BusUpdater) SimpleUpdate(ctx context.Context, req *TransferRequest) error {
	server, file, err := ParseImageURI(req.ImageURI, req.TransferProtocol)
	if err != nil {
		u.log.Errorf("Invalid ImageURI %v: %v", req.ImageURI, err)
		return err
	}

	u.log.Debugf("Server: %v File: %v", server, file)

	s, err := u.begin(ctx, &Request{
		TargetURI: SimpleUpdateURI,
		Payload:   req.Payload,
		Timeout:   u.transferTimeout,
	})
	if err != nil {
		return err
	}

	u.goBus(func(ctx context.Context) {
		err := u.bus.Call(ctx, bus.DownloadService, bus.SoftwarePath, bus.TFTPInterface+".DownloadViaTFTP", file, server)
		if err == nil {
			u.log.Debugf("Call to DownloadViaTFTP succeeded")
			return
		}

		u.log.Errorf("Could not start TFTP transfer of %v from %v: %v", file, server, err)

		u.loop.Post(func() {
			u.fail(s, &UpstreamError{Op: "start TFTP transfer", Err: err})
		})
	})

	return nil
}
