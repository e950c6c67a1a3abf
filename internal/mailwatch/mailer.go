package mailwatch

import (
	"fmt"
	"html"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hazelgames/keygate/internal/config"
)

// Mailer delivers license keys to buyers over SMTP.
type Mailer struct {
	cfg     config.SMTPConfig
	product string

	// sendMail is swappable for tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewMailer(cfg config.SMTPConfig, productName string) *Mailer {
	return &Mailer{
		cfg:      cfg,
		product:  productName,
		sendMail: smtp.SendMail,
	}
}

// SendLicenseEmail sends one HTML email listing the buyer's license keys.
// smtp.SendMail upgrades the connection via STARTTLS when the server offers
// it, which covers the port 587 setup this service targets.
func (m *Mailer) SendLicenseEmail(to, name string, licenseKeys []string) error {
	if m.cfg.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	if len(licenseKeys) == 0 {
		return fmt.Errorf("no license keys to send")
	}

	subject := fmt.Sprintf("Your License Key(s) for %s", m.product)
	body := m.renderBody(name, licenseKeys)

	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=utf-8\r\n\r\n",
		m.cfg.From, to, subject,
	)
	msg := []byte(headers + body + "\r\n")

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)

	if err := m.sendMail(addr, auth, m.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("failed to send license email: %w", err)
	}

	log.Info().Str("to", to).Int("keys", len(licenseKeys)).Msg("License email sent")
	return nil
}

func (m *Mailer) renderBody(name string, licenseKeys []string) string {
	if name == "" {
		name = "there"
	}

	var keyList strings.Builder
	for i, key := range licenseKeys {
		if i > 0 {
			keyList.WriteString("<br>")
		}
		fmt.Fprintf(&keyList, "%d. %s", i+1, html.EscapeString(key))
	}

	plural := ""
	verb := "is"
	if len(licenseKeys) > 1 {
		plural = "s"
		verb = "are"
	}

	return fmt.Sprintf(`<h2>Hi %s,</h2>
<p>Thanks for your purchase of <strong>%s</strong>!</p>
<p>Here %s your license key%s:</p>
<pre style="font-size: 18px; background: #eee; padding: 10px;">%s</pre>
<p>Use each key to activate a copy of the game.</p>
<p>— The %s Team</p>`,
		html.EscapeString(name),
		html.EscapeString(m.product),
		verb, plural,
		keyList.String(),
		html.EscapeString(m.product),
	)
}
