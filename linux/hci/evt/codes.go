package evt

// Event codes [Vol 2, Part E, 7.7].
const (
	InquiryCompleteCode               = 0x01
	InquiryResultCode                 = 0x02
	ConnectionCompleteCode            = 0x03
	DisconnectionCompleteCode         = 0x05
	RemoteNameRequestCompleteCode     = 0x07
	EncryptionChangeCode              = 0x08
	CommandCompleteCode               = 0x0e
	CommandStatusCode                 = 0x0f
	HardwareErrorCode                 = 0x10
	NumberOfCompletedPacketsCode      = 0x13
	ReturnLinkKeysCode                = 0x15
	LinkKeyRequestCode                = 0x17
	LinkKeyNotificationCode           = 0x18
	DataBufferOverflowCode            = 0x1a
	InquiryResultWithRSSICode         = 0x22
	SynchronousConnectionCompleteCode = 0x2c
	ExtendedInquiryResultCode         = 0x2f
	LEMetaCode                        = 0x3e
	NumberOfCompletedDataBlocksCode   = 0x48
	VendorCode                        = 0xff
)

// LE meta subevent codes [Vol 2, Part E, 7.7.65].
const (
	LEConnectionCompleteSubCode         = 0x01
	LEAdvertisingReportSubCode          = 0x02
	LEEnhancedConnectionCompleteSubCode = 0x0a
)
