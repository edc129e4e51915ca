package constants

// 通用错误消息
const (
	// 认证相关错误
	ErrUnauthorized = "未授权，请提供管理员令牌"
	ErrInvalidToken = "无效的管理员令牌"

	// 参数相关错误
	ErrInvalidParams  = "参数错误"
	ErrInvalidRequest = "无效请求格式"
	ErrInvalidAccount = "兑换账户地址格式错误"

	// 票据相关错误
	ErrTicketNotFound    = "票据不存在"
	ErrProductNotFound   = "商品不存在"
	ErrAlreadyRedeemed   = "票据已兑换或正在兑换"
	ErrTicketFailed      = "票据兑换失败次数过多，请联系管理员"
	ErrTicketNotReserved = "票据不处于待处理状态"
	ErrTicketNotFailed   = "票据不处于失败状态"
	ErrRewardTooSmall    = "按当前价格奖励过小，暂时无法兑换"

	// 兑换相关错误
	ErrPriceUnavailable = "暂时无法获取代币价格，请稍后重试"
	ErrTransferRejected = "转账被拒绝，票据可稍后重试"
	ErrTransferPending  = "转账已提交但尚未确认，请勿重复兑换"

	// 系统错误
	ErrInternalServer       = "服务器内部错误"
	ErrOperationTooFrequent = "请求过于频繁，请稍后重试"
)

// 成功消息
const (
	SuccessGet     = "获取成功"
	SuccessIssue   = "签发成功"
	SuccessRedeem  = "兑换成功"
	SuccessResolve = "处理成功"
	SuccessRetry   = "票据已恢复"
)
