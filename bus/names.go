package bus

// Well known names of the freedesktop and platform services the daemon talks to.
const (
	ObjectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	PropertiesInterface    = "org.freedesktop.DBus.Properties"

	MapperService   = "xyz.openbmc_project.ObjectMapper"
	MapperPath      = "/xyz/openbmc_project/object_mapper"
	MapperInterface = "xyz.openbmc_project.ObjectMapper"

	SoftwarePath   = "/xyz/openbmc_project/software"
	LoggingPath    = "/xyz/openbmc_project/logging"
	ApplyTimePath  = "/xyz/openbmc_project/software/apply_time"
	UpdateablePath = "/xyz/openbmc_project/software/updateable"

	ActivationInterface         = "xyz.openbmc_project.Software.Activation"
	ActivationProgressInterface = "xyz.openbmc_project.Software.ActivationProgress"
	VersionInterface            = "xyz.openbmc_project.Software.Version"
	ApplyTimeInterface          = "xyz.openbmc_project.Software.ApplyTime"
	LoggingEntryInterface       = "xyz.openbmc_project.Logging.Entry"
	AssociationInterface        = "xyz.openbmc_project.Association"

	SettingsService = "xyz.openbmc_project.Settings"

	DownloadService = "xyz.openbmc_project.Software.Download"
	TFTPInterface   = "xyz.openbmc_project.Common.TFTP"
)
