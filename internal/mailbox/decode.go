package mailbox

import (
	"bytes"
	"net/mail"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jhillyerd/enmime"
	"github.com/rotisserie/eris"
)

// DefaultBodyCap bounds the stored body text.
const DefaultBodyCap = 50000

// envelopeParser leaves HTML-only bodies unconverted so HTMLToText handles
// them instead of enmime's markdown-style down-conversion.
var envelopeParser = enmime.NewParser(enmime.DisableTextConversion(true))

// Decoded is the header and text view of one raw RFC 822 message.
type Decoded struct {
	MessageID string
	From      string
	Subject   string
	Date      time.Time
	Body      string
}

// Decode parses raw message bytes. The plain-text part is preferred; an
// HTML-only message is converted to text. The body is capped at bodyCap
// runes (DefaultBodyCap when <= 0).
func Decode(raw []byte, bodyCap int) (*Decoded, error) {
	env, err := envelopeParser.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "mailbox: read envelope")
	}
	if bodyCap <= 0 {
		bodyCap = DefaultBodyCap
	}

	d := &Decoded{
		MessageID: strings.Trim(strings.TrimSpace(env.GetHeader("Message-ID")), "<>"),
		From:      strings.TrimSpace(env.GetHeader("From")),
		Subject:   strings.TrimSpace(env.GetHeader("Subject")),
	}
	if date := env.GetHeader("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			d.Date = t.UTC()
		}
	}

	body := strings.TrimSpace(env.Text)
	if body == "" && env.HTML != "" {
		body = HTMLToText(env.HTML)
	}
	d.Body = capRunes(body, bodyCap)
	return d, nil
}

const blockSelector = "p,div,td,th,li,h1,h2,h3,h4,h5,h6,blockquote"

// HTMLToText extracts visible text from an HTML document, one block per line.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script,style,head,noscript").Remove()

	var lines []string
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// Innermost blocks only, so nested containers are not repeated.
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		if text := normalizeSpaces(s.Text()); text != "" {
			lines = append(lines, text)
		}
	})
	if len(lines) == 0 {
		return normalizeSpaces(doc.Text())
	}
	return strings.Join(lines, "\n")
}

func normalizeSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func capRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
