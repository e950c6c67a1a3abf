package mailwatch

import (
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazelgames/keygate/internal/config"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  []byte
}

func newTestMailer(t *testing.T) (*Mailer, *[]sentMail) {
	t.Helper()

	m := NewMailer(config.SMTPConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "store@example.com",
		Password: "secret",
		From:     "Your Game Store <store@example.com>",
	}, "Land of Love")

	var sent []sentMail
	m.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, sentMail{addr: addr, from: from, to: to, msg: msg})
		return nil
	}

	return m, &sent
}

func TestSendLicenseEmail(t *testing.T) {
	m, sent := newTestMailer(t)

	err := m.SendLicenseEmail("buyer@example.com", "Jamie", []string{"LOL-AAAA", "LOL-BBBB"})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	mail := (*sent)[0]
	assert.Equal(t, "smtp.example.com:587", mail.addr)
	assert.Equal(t, []string{"buyer@example.com"}, mail.to)

	body := string(mail.msg)
	assert.Contains(t, body, "Subject: Your License Key(s) for Land of Love")
	assert.Contains(t, body, "Content-Type: text/html")
	assert.Contains(t, body, "Hi Jamie,")
	assert.Contains(t, body, "1. LOL-AAAA")
	assert.Contains(t, body, "2. LOL-BBBB")
	assert.Contains(t, body, "Here are your license keys:")
}

func TestSendLicenseEmailSingleKey(t *testing.T) {
	m, sent := newTestMailer(t)

	err := m.SendLicenseEmail("buyer@example.com", "", []string{"LOL-AAAA"})
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	body := string((*sent)[0].msg)
	assert.Contains(t, body, "Hi there,", "missing buyer name falls back to a generic greeting")
	assert.Contains(t, body, "Here is your license key:")
	assert.NotContains(t, body, "keys")
}

func TestSendLicenseEmailEscapesHTML(t *testing.T) {
	m, sent := newTestMailer(t)

	err := m.SendLicenseEmail("buyer@example.com", "<script>alert(1)</script>", []string{"LOL-AAAA"})
	require.NoError(t, err)

	body := string((*sent)[0].msg)
	assert.NotContains(t, body, "<script>")
	assert.Contains(t, body, "&lt;script&gt;")
}

func TestSendLicenseEmailValidation(t *testing.T) {
	m, sent := newTestMailer(t)

	err := m.SendLicenseEmail("buyer@example.com", "Jamie", nil)
	assert.Error(t, err)
	assert.Empty(t, *sent)

	m.cfg.Host = ""
	err = m.SendLicenseEmail("buyer@example.com", "Jamie", []string{"LOL-AAAA"})
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "smtp host not configured"))
	assert.Empty(t, *sent)
}
