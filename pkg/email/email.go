package email

import (
	"bytes"
	"crypto/tls"
	"embed"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"galapagos/pkg/logger"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Config 邮件配置
type Config struct {
	Host     string // SMTP服务器地址
	Port     int    // SMTP服务器端口
	Username string // 邮箱账号
	Password string // 邮箱密码
	From     string // 发件人
	FromName string // 发件人名称
	To       string // 告警收件人，多个用逗号分隔
}

// AlertType 告警类型
type AlertType string

const (
	// TypeTransferPending 转账结果未知
	TypeTransferPending AlertType = "transfer_pending"
	// TypeStaleReservation 预占超时且无法自动对账
	TypeStaleReservation AlertType = "stale_reservation"
	// TypeTicketFailed 票据多次被拒绝后置为失败
	TypeTicketFailed AlertType = "ticket_failed"
)

// Alert 告警数据
type Alert struct {
	Type        AlertType
	TicketID    string
	Account     string
	Units       string
	TxHash      string
	Reason      string
	OccurredAt  time.Time
	ProductName string
}

// Service 邮件服务
type Service struct {
	config Config
	logger *logger.Logger
	send   func(to []string, subject, body string) error
}

// NewService 创建邮件服务
func NewService(config Config, log *logger.Logger) *Service {
	s := &Service{
		config: config,
		logger: log,
	}
	s.send = s.sendSMTP
	return s
}

// Enabled 是否配置了SMTP服务器和收件人
func (s *Service) Enabled() bool {
	return s.config.Host != "" && len(s.recipients()) > 0
}

// SendAlert 发送对账告警邮件
func (s *Service) SendAlert(alert Alert) error {
	if !s.Enabled() {
		return nil
	}
	if alert.ProductName == "" {
		alert.ProductName = "Galapagos"
	}
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = time.Now()
	}

	subject := fmt.Sprintf("%s - %s %s", alert.ProductName, subjectFor(alert.Type), alert.TicketID)
	content, err := render(alert)
	if err != nil {
		return err
	}
	return s.send(s.recipients(), subject, content)
}

func subjectFor(t AlertType) string {
	switch t {
	case TypeTransferPending:
		return "转账待对账"
	case TypeStaleReservation:
		return "预占超时"
	case TypeTicketFailed:
		return "票据兑换失败"
	default:
		return "告警"
	}
}

// render 渲染邮件模板
func render(alert Alert) (string, error) {
	buf := new(bytes.Buffer)
	if err := templates.ExecuteTemplate(buf, string(alert.Type)+".html", alert); err != nil {
		return "", fmt.Errorf("渲染邮件模板失败: %w", err)
	}
	return buf.String(), nil
}

func (s *Service) recipients() []string {
	var out []string
	for _, to := range strings.Split(s.config.To, ",") {
		if to = strings.TrimSpace(to); to != "" {
			out = append(out, to)
		}
	}
	return out
}

// sendSMTP 通过TLS连接发送邮件
func (s *Service) sendSMTP(to []string, subject, body string) error {
	header := []string{
		fmt.Sprintf("From: %s <%s>", s.config.FromName, s.config.From),
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
	}
	message := strings.Join(header, "\r\n") + "\r\n\r\n" + body

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.config.Host})
	if err != nil {
		return fmt.Errorf("创建TLS连接失败: %w", err)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("创建SMTP客户端失败: %w", err)
	}
	defer client.Close()

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err = client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP认证失败: %w", err)
		}
	}

	if err = client.Mail(s.config.From); err != nil {
		return fmt.Errorf("设置发件人失败: %w", err)
	}
	for _, rcpt := range to {
		if err = client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("设置收件人失败: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("准备发送数据失败: %w", err)
	}
	if _, err = w.Write([]byte(message)); err != nil {
		return fmt.Errorf("写入邮件内容失败: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("关闭数据写入失败: %w", err)
	}

	s.logger.Info("告警邮件已发送", "to", strings.Join(to, ","), "subject", subject)
	return client.Quit()
}
