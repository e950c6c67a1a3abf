package mailwatch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Order is the data recovered from an order-confirmation email.
type Order struct {
	OrderID    string
	BuyerEmail string
	BuyerName  string
	Quantity   int
}

// ExtractResult is either a complete order or the reason extraction aborted.
// Extraction is best effort against the store's email template; a missing
// field aborts the message with no side effects.
type ExtractResult struct {
	Order       *Order
	AbortReason string
}

func (r ExtractResult) OK() bool {
	return r.Order != nil
}

var (
	customerSectionRe = regexp.MustCompile(`(?is)Customer Information(.*?)Order Summary`)
	emailRe           = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	orderIDRe         = regexp.MustCompile(`(?i)Order\s*(?:No\.?|#:?)\s*(\d+)`)
	itemSectionRe     = regexp.MustCompile(`(?is)Item Desc\s+Quantity\s+Total(.*?)Subtotal`)
	leadingIntRe      = regexp.MustCompile(`^(\d+)`)
	nameSplitRe       = regexp.MustCompile(`[\n,]`)
)

// Extractor scrapes order data out of plain-text order-confirmation bodies.
type Extractor struct {
	productRe *regexp.Regexp
}

func NewExtractor(productName string) *Extractor {
	return &Extractor{
		productRe: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(productName)),
	}
}

// Extract runs the extraction pipeline: customer section, order id, line
// items. Each step yields a present/absent result; the aggregate aborts on
// the first required field that is absent.
func (e *Extractor) Extract(body string) ExtractResult {
	buyerEmail, buyerName := e.customerInfo(body)
	if buyerEmail == "" {
		return ExtractResult{AbortReason: "buyer email not found in customer section"}
	}

	orderID := e.orderID(body)
	if orderID == "" {
		return ExtractResult{AbortReason: "order number not found"}
	}

	quantity := e.productQuantity(body)
	if quantity == 0 {
		return ExtractResult{AbortReason: "product not found in order summary"}
	}

	return ExtractResult{Order: &Order{
		OrderID:    orderID,
		BuyerEmail: buyerEmail,
		BuyerName:  buyerName,
		Quantity:   quantity,
	}}
}

// customerInfo recovers the buyer's email and display name from the section
// between "Customer Information" and "Order Summary". The name is the first
// non-empty line of that section.
func (e *Extractor) customerInfo(body string) (email, name string) {
	m := customerSectionRe.FindStringSubmatch(body)
	if m == nil {
		return "", ""
	}
	section := m[1]

	email = strings.TrimSpace(emailRe.FindString(section))

	for _, line := range nameSplitRe.Split(section, -1) {
		if line = strings.TrimSpace(line); line != "" {
			name = line
			break
		}
	}

	return email, name
}

func (e *Extractor) orderID(body string) string {
	m := orderIDRe.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// productQuantity scans the line-item section for the configured product and
// reads the purchased quantity from the following line. A product line with
// no parseable quantity counts as one unit.
func (e *Extractor) productQuantity(body string) int {
	m := itemSectionRe.FindStringSubmatch(body)
	if m == nil {
		return 0
	}

	var lines []string
	for _, line := range strings.Split(m[1], "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	for i, line := range lines {
		if !e.productRe.MatchString(line) {
			continue
		}
		if i+1 < len(lines) {
			if qm := leadingIntRe.FindStringSubmatch(lines[i+1]); qm != nil {
				qty, err := strconv.Atoi(qm[1])
				if err == nil && qty > 0 {
					return qty
				}
			}
		}
		return 1
	}

	return 0
}

// SubOrderID derives the per-unit owner identifier used for issuance, so each
// purchased unit maps to its own idempotent license record.
func SubOrderID(orderID string, unit int) string {
	return fmt.Sprintf("%s-%d", orderID, unit)
}
