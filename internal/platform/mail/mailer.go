// Package mail delivers transactional email over SMTP.
package mail

import (
	"fmt"

	gomail "gopkg.in/mail.v2"
)

// Mailer sends messages through a single SMTP endpoint.
type Mailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewMailer constructs a Mailer for the given SMTP endpoint.
func NewMailer(host string, port int, username, password, from string) *Mailer {
	dialer := gomail.NewDialer(host, port, username, password)
	return &Mailer{dialer: dialer, from: from}
}

// Send delivers a plain-text message to a single recipient.
func (m *Mailer) Send(to, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("mail: send to %s: %w", to, err)
	}
	return nil
}
