package mailwatch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hazelgames/keygate/internal/config"
	"github.com/hazelgames/keygate/internal/licenseclient"
	"github.com/hazelgames/keygate/internal/metrics"
)

// Watcher polls an IMAP mailbox for unseen order-confirmation emails,
// requests one license per purchased unit and emails the resulting keys to
// the buyer. Messages are processed one at a time; issuance calls within a
// message run sequentially, and the summary email goes out only after all of
// them finished.
type Watcher struct {
	imapCfg   config.IMAPConfig
	interval  time.Duration
	extractor *Extractor
	licenses  *licenseclient.Client
	mailer    *Mailer
	metrics   *metrics.Manager
	stopChan  chan struct{}
}

func NewWatcher(cfg *config.Config, licenses *licenseclient.Client, mailer *Mailer, metricsManager *metrics.Manager) *Watcher {
	seconds := cfg.Watcher.PollIntervalSeconds
	if seconds <= 0 {
		seconds = 60
	}

	return &Watcher{
		imapCfg:   cfg.IMAP,
		interval:  time.Duration(seconds) * time.Second,
		extractor: NewExtractor(cfg.License.ProductName),
		licenses:  licenses,
		mailer:    mailer,
		metrics:   metricsManager,
		stopChan:  make(chan struct{}),
	}
}

// Start runs the polling loop: one cycle immediately, then on the configured
// interval. The loop exits when ctx is cancelled or Stop is called. It is a
// no-op when the IMAP host is not configured, so it is always safe to start.
func (w *Watcher) Start(ctx context.Context) {
	if w.imapCfg.Host == "" {
		log.Warn().Msg("Mail watcher disabled (imap.host not set)")
		return
	}

	log.Info().
		Str("host", w.imapCfg.Host).
		Str("mailbox", w.imapCfg.Mailbox).
		Dur("interval", w.interval).
		Msg("Mail watcher started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(ctx)

	for {
		select {
		case <-ticker.C:
			w.poll(ctx)
		case <-w.stopChan:
			log.Info().Msg("Mail watcher stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Mail watcher context cancelled")
			return
		}
	}
}

// Stop signals the polling loop to exit.
func (w *Watcher) Stop() {
	close(w.stopChan)
}

func (w *Watcher) poll(ctx context.Context) {
	if err := w.pollOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Mail poll cycle failed")
	}
}

// pollOnce dials the mailbox, fetches all unseen messages and processes them
// sequentially. The IMAP session lives for one cycle only.
func (w *Watcher) pollOnce(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", w.imapCfg.Host, w.imapCfg.Port)

	c, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to dial IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(w.imapCfg.Username, w.imapCfg.Password); err != nil {
		return fmt.Errorf("IMAP login failed: %w", err)
	}

	if _, err := c.Select(w.imapCfg.Mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox %s: %w", w.imapCfg.Mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	ids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("IMAP search failed: %w", err)
	}
	if len(ids) == 0 {
		log.Debug().Msg("No unread emails")
		return nil
	}

	log.Info().Int("count", len(ids)).Msg("Unread emails found")

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	// Fetching BODY[] marks the messages \Seen, so a processed (or
	// skipped) message is never picked up again.
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			log.Warn().Uint32("seq", msg.SeqNum).Msg("Message fetched without body")
			continue
		}
		w.processMessage(ctx, body)
	}

	return <-done
}

func (w *Watcher) processMessage(ctx context.Context, r io.Reader) {
	logger := log.With().Str("message", uuid.NewString()[:8]).Logger()

	body, from, err := readPlainTextBody(r)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to parse message")
		w.metrics.RecordMailMessage("failed")
		return
	}

	result := w.extractor.Extract(body)
	if !result.OK() {
		logger.Warn().Str("from", from).Str("reason", result.AbortReason).Msg("Skipping message")
		w.metrics.RecordMailMessage("skipped")
		return
	}

	order := result.Order
	logger.Info().
		Str("from", from).
		Str("orderId", order.OrderID).
		Str("buyerEmail", order.BuyerEmail).
		Int("quantity", order.Quantity).
		Msg("Order extracted")

	keys := w.issueLicenses(ctx, logger, order)

	if len(keys) == 0 {
		logger.Info().Msg("No new licenses generated, email not sent")
		w.metrics.RecordMailMessage("processed")
		return
	}

	if err := w.mailer.SendLicenseEmail(order.BuyerEmail, order.BuyerName, keys); err != nil {
		logger.Error().Err(err).Str("buyerEmail", order.BuyerEmail).Msg("Failed to send license email")
		w.metrics.RecordMailMessage("failed")
		return
	}

	w.metrics.RecordEmailSent()
	w.metrics.RecordMailMessage("processed")
}

// issueLicenses requests one license per purchased unit, sequentially. A
// failed unit is logged and skipped; the remaining units still run. Only
// newly minted keys end up in the buyer's email.
func (w *Watcher) issueLicenses(ctx context.Context, logger zerolog.Logger, order *Order) []string {
	var name *string
	if order.BuyerName != "" {
		name = &order.BuyerName
	}

	var keys []string
	for unit := 1; unit <= order.Quantity; unit++ {
		subOrderID := SubOrderID(order.OrderID, unit)

		result, err := w.licenses.GenerateLicense(ctx, subOrderID, order.BuyerEmail, name)
		if err != nil {
			logger.Error().Err(err).Str("subOrderId", subOrderID).Msg("License generation failed")
			continue
		}

		if result.Existing {
			logger.Info().Str("subOrderId", subOrderID).Msg("License already exists, skipping")
			continue
		}

		keys = append(keys, result.LicenseKey)
	}

	return keys
}

// readPlainTextBody returns the first text/plain part of the message and the
// sender address.
func readPlainTextBody(r io.Reader) (body, from string, err error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to read message: %w", err)
	}

	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].Address
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", from, fmt.Errorf("failed to read message part: %w", err)
		}

		if header, ok := part.Header.(*mail.InlineHeader); ok {
			contentType, _, err := header.ContentType()
			if err == nil && contentType == "text/plain" {
				data, err := io.ReadAll(part.Body)
				if err != nil {
					return "", from, fmt.Errorf("failed to read message body: %w", err)
				}
				return string(data), from, nil
			}
		}
	}

	return "", from, fmt.Errorf("no text/plain part found")
}
