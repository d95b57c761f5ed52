// Package mail delivers verification codes over SMTP. Delivery failures are
// returned to the caller; nothing is retried or queued here.
package mail

import (
	"fmt"

	"gopkg.in/gomail.v2"

	"zackai/internal/config"
)

// Sender is what the auth service depends on; tests swap in a fake.
type Sender interface {
	SendVerificationCode(to, code string, minutes int) error
}

type SMTPSender struct {
	cfg config.SMTPConfig
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) SendVerificationCode(to, code string, minutes int) error {
	if !s.cfg.Ready() {
		return fmt.Errorf("smtp credentials missing")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", "Verify your email")
	m.SetBody("text/plain", fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, minutes))
	m.AddAlternative("text/html", fmt.Sprintf(`
<div style="font-family: Arial, sans-serif; line-height: 1.6;">
  <h2 style="margin: 0 0 12px;">Verify your email</h2>
  <p>Use this code to finish your registration:</p>
  <div style="font-size: 24px; font-weight: 700; letter-spacing: 4px;">%s</div>
  <p style="margin-top: 12px;">This code expires in %d minutes.</p>
</div>`, code, minutes))

	d := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.User, s.cfg.Pass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send verification mail: %w", err)
	}
	return nil
}
