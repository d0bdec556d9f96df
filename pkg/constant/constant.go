package constants

const (
	// gin 上下文中保存认证主体的键
	PrincipalField = "_tourguard_principal"
	// gin 上下文中保存限流键的键
	ReporterKeyField = "_tourguard_reporter_key"

	RoleUser  = "user"
	RoleAdmin = "admin"

	// 管理端观察者所在的广播组
	AdminGroup = "admin"

	// 实时推送主题
	TopicSOSNew    = "sos:new"
	TopicSOSUpdate = "sos:update"
	// 设备端上行/回执
	TopicSOSTrigger = "sos:trigger"
	TopicSOSAck     = "sos:ack"

	AuditEventSOSStatusChange = "sos_status_change"

	HeaderIntegrationKey    = "X-Integration-Key"
	HeaderIntegrationSecret = "X-Integration-Secret"

	ExternalUserName        = "TourGuard User"
	ExternalUserEmailDomain = "tourguard.local"
	ExternalUserPhonePrefix = "ext-"
	ExternalReporterPrefix  = "ext:"
)
