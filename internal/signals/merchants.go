package signals

import (
	"os"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// curatedMerchants maps sender domains of well-known subscription merchants
// to a display name.
var curatedMerchants = map[string]string{
	"netflix.com":          "Netflix",
	"spotify.com":          "Spotify",
	"hulu.com":             "Hulu",
	"disneyplus.com":       "Disney+",
	"hbomax.com":           "Max",
	"max.com":              "Max",
	"youtube.com":          "YouTube Premium",
	"apple.com":            "Apple",
	"icloud.com":           "iCloud",
	"amazon.com":           "Amazon Prime",
	"audible.com":          "Audible",
	"adobe.com":            "Adobe",
	"microsoft.com":        "Microsoft 365",
	"dropbox.com":          "Dropbox",
	"github.com":           "GitHub",
	"notion.so":            "Notion",
	"slack.com":            "Slack",
	"zoom.us":              "Zoom",
	"openai.com":           "OpenAI",
	"anthropic.com":        "Anthropic",
	"nytimes.com":          "The New York Times",
	"wsj.com":              "The Wall Street Journal",
	"peloton.com":          "Peloton",
	"duolingo.com":         "Duolingo",
	"canva.com":            "Canva",
	"1password.com":        "1Password",
	"nordvpn.com":          "NordVPN",
	"patreon.com":          "Patreon",
	"crunchyroll.com":      "Crunchyroll",
	"paramountplus.com":    "Paramount+",
	"google.com":           "Google One",
	"linkedin.com":         "LinkedIn Premium",
	"squarespace.com":      "Squarespace",
	"godaddy.com":          "GoDaddy",
	"digitalocean.com":     "DigitalOcean",
	"headspace.com":        "Headspace",
	"calm.com":             "Calm",
	"grammarly.com":        "Grammarly",
	"evernote.com":         "Evernote",
	"xbox.com":             "Xbox Game Pass",
	"playstation.com":      "PlayStation Plus",
	"nintendo.com":         "Nintendo Switch Online",
	"siriusxm.com":         "SiriusXM",
	"masterclass.com":      "MasterClass",
	"chess.com":            "Chess.com",
	"backblaze.com":        "Backblaze",
	"fastmail.com":         "Fastmail",
	"protonmail.com":       "Proton",
	"proton.me":            "Proton",
	"figma.com":            "Figma",
	"atlassian.com":        "Atlassian",
	"mailchimp.com":        "Mailchimp",
	"substack.com":         "Substack",
	"medium.com":           "Medium",
	"tidal.com":            "Tidal",
	"deezer.com":           "Deezer",
	"pandora.com":          "Pandora",
	"strava.com":           "Strava",
	"myfitnesspal.com":     "MyFitnessPal",
	"hellofresh.com":       "HelloFresh",
	"blueapron.com":        "Blue Apron",
	"dollarshaveclub.com":  "Dollar Shave Club",
	"chewy.com":            "Chewy",
	"costco.com":           "Costco",
	"walmart.com":          "Walmart+",
	"uber.com":             "Uber One",
	"doordash.com":         "DashPass",
	"instacart.com":        "Instacart+",
	"grubhub.com":          "Grubhub+",
	"lyft.com":             "Lyft Pink",
	"twitch.tv":            "Twitch",
	"x.com":                "X Premium",
	"discord.com":          "Discord Nitro",
	"steampowered.com":     "Steam",
	"ea.com":               "EA Play",
	"ubisoft.com":          "Ubisoft+",
	"shopify.com":          "Shopify",
	"wix.com":              "Wix",
	"namecheap.com":        "Namecheap",
	"cloudflare.com":       "Cloudflare",
	"heroku.com":           "Heroku",
	"vercel.com":           "Vercel",
	"netlify.com":          "Netlify",
	"jetbrains.com":        "JetBrains",
	"expressvpn.com":       "ExpressVPN",
	"surfshark.com":        "Surfshark",
	"lastpass.com":         "LastPass",
	"dashlane.com":         "Dashlane",
	"bitwarden.com":        "Bitwarden",
	"scribd.com":           "Scribd",
	"kindle.com":           "Kindle Unlimited",
	"economist.com":        "The Economist",
	"washingtonpost.com":   "The Washington Post",
	"theathletic.com":      "The Athletic",
	"espn.com":             "ESPN+",
	"sling.com":            "Sling TV",
	"fubo.tv":              "Fubo",
	"philo.com":            "Philo",
	"peacocktv.com":        "Peacock",
	"starz.com":            "Starz",
	"amcplus.com":          "AMC+",
	"britbox.com":          "BritBox",
	"mubi.com":             "MUBI",
	"curiositystream.com":  "CuriosityStream",
	"skillshare.com":       "Skillshare",
	"coursera.org":         "Coursera",
	"udemy.com":            "Udemy",
	"brilliant.org":        "Brilliant",
	"babbel.com":           "Babbel",
	"rosettastone.com":     "Rosetta Stone",
	"noom.com":             "Noom",
	"whoop.com":            "WHOOP",
	"fitbit.com":           "Fitbit Premium",
	"ring.com":             "Ring Protect",
	"simplisafe.com":       "SimpliSafe",
	"adt.com":              "ADT",
	"tmobile.com":          "T-Mobile",
	"t-mobile.com":         "T-Mobile",
	"verizon.com":          "Verizon",
	"att.com":              "AT&T",
	"xfinity.com":          "Xfinity",
	"spectrum.net":         "Spectrum",
	"mintmobile.com":       "Mint Mobile",
	"visible.com":          "Visible",
	"googlefi.com":         "Google Fi",
}

// curatedProcessors are payment processors that send receipts on behalf of
// many merchants.
var curatedProcessors = []string{
	"stripe.com",
	"paypal.com",
	"squareup.com",
	"square.com",
	"paddle.com",
	"braintreegateway.com",
	"chargebee.com",
	"recurly.com",
	"fastspring.com",
	"gumroad.com",
	"lemonsqueezy.com",
	"2checkout.com",
	"zuora.com",
	"chargify.com",
	"itunes.com",
	"googleplay.com",
}

// MerchantEntry is one merchant in a directory file.
type MerchantEntry struct {
	Domain string `yaml:"domain"`
	Name   string `yaml:"name"`
}

// DirectoryFile is the YAML shape of a merchant directory file.
type DirectoryFile struct {
	Merchants  []MerchantEntry `yaml:"merchants"`
	Processors []string        `yaml:"processors"`
}

// MerchantDirectory resolves sender domains to known merchants and payment
// processors. Lookups match the domain itself and any parent domain, so
// mailer.netflix.com resolves to netflix.com. Safe for concurrent use.
type MerchantDirectory struct {
	mu         sync.RWMutex
	merchants  map[string]string
	processors map[string]bool
}

// NewMerchantDirectory returns a directory seeded with the curated lists.
func NewMerchantDirectory() *MerchantDirectory {
	d := &MerchantDirectory{
		merchants:  make(map[string]string, len(curatedMerchants)),
		processors: make(map[string]bool, len(curatedProcessors)),
	}
	for domain, name := range curatedMerchants {
		d.merchants[domain] = name
	}
	for _, p := range curatedProcessors {
		d.processors[p] = true
	}
	return d
}

// LoadMerchantDirectory returns the curated directory extended with the
// entries in the YAML file at path. An empty path returns the curated set.
func LoadMerchantDirectory(path string) (*MerchantDirectory, error) {
	d := NewMerchantDirectory()
	if path == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "signals: read merchant file %s", path)
	}
	var f DirectoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "signals: parse merchant file %s", path)
	}
	for _, m := range f.Merchants {
		d.Learn(m.Domain, m.Name)
	}
	d.mu.Lock()
	for _, p := range f.Processors {
		if p = normalizeDomain(p); p != "" {
			d.processors[p] = true
		}
	}
	d.mu.Unlock()
	return d, nil
}

// Learn adds or renames a merchant domain at runtime.
func (d *MerchantDirectory) Learn(domain, name string) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == "" {
		if _, ok := d.merchants[domain]; ok {
			return
		}
	}
	d.merchants[domain] = name
}

// Lookup returns the merchant name for domain or any of its parents.
func (d *MerchantDirectory) Lookup(domain string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, candidate := range suffixes(normalizeDomain(domain)) {
		if name, ok := d.merchants[candidate]; ok {
			return name, true
		}
	}
	return "", false
}

// IsProcessor reports whether domain belongs to a payment processor.
func (d *MerchantDirectory) IsProcessor(domain string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, candidate := range suffixes(normalizeDomain(domain)) {
		if d.processors[candidate] {
			return true
		}
	}
	return false
}

// Len returns the number of known merchant domains.
func (d *MerchantDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.merchants)
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, "@")
	return strings.TrimSuffix(domain, ".")
}

// suffixes returns domain and each parent with at least two labels:
// a.b.example.com -> [a.b.example.com b.example.com example.com].
func suffixes(domain string) []string {
	if domain == "" {
		return nil
	}
	out := []string{domain}
	for {
		i := strings.Index(domain, ".")
		if i < 0 {
			break
		}
		domain = domain[i+1:]
		if !strings.Contains(domain, ".") {
			break
		}
		out = append(out, domain)
	}
	return out
}
