package source

import (
	"fmt"
	"math/rand"
	"time"
)

// fieldVariations mirrors the messy spellings the synthetic stream API
// emits, so locally generated data exercises the same normalization.
var fieldVariations = map[string][]string{
	"ip":        {"ip", "IP", "IpAddress", "ip_address"},
	"username":  {"username", "userName", "user_name", "Username"},
	"age":       {"age", "Age", "user_age"},
	"email":     {"email", "Email", "email_address"},
	"timestamp": {"timestamp", "t_stamp", "time_stamp"},
	"country":   {"country", "Country", "location_country"},
	"status":    {"status", "Status", "user_status"},
}

var (
	countries = []string{"USA", "UK", "India", "Canada", "Germany", "France", "Japan", "Australia"}
	statuses  = []string{"active", "inactive", "pending", "suspended"}
	browsers  = []string{"Chrome", "Firefox", "Safari", "Edge"}
	oses      = []string{"Windows", "macOS", "Linux", "iOS", "Android"}
	devices   = []string{"mobile", "desktop", "tablet"}
	tagPool   = []string{"premium", "verified", "new", "vip", "beta_tester"}
)

// Generator produces seeded messy records: field-name variations, type
// drift (ints arriving as strings, truncated IPs), nested metadata,
// arrays and sparse fields.
type Generator struct {
	rng       *rand.Rand
	usernames []string
	emails    []string
	count     int
	now       func() time.Time
}

// NewGenerator creates a generator with a deterministic seed.
func NewGenerator(seed int64) *Generator {
	usernames := make([]string, 50)
	for i := range usernames {
		usernames[i] = fmt.Sprintf("user_%d", i+1)
	}
	emails := make([]string, 20)
	for i := range emails {
		emails[i] = usernames[i] + "@example.com"
	}
	return &Generator{
		rng:       rand.New(rand.NewSource(seed)), //nolint:gosec
		usernames: usernames,
		emails:    emails,
		now:       time.Now,
	}
}

// Generate produces one messy record. Username and a client timestamp
// are always present; everything else appears probabilistically.
func (g *Generator) Generate() RawRecord {
	g.count++

	record := RawRecord{
		g.fieldName("username"):  g.pick(g.usernames),
		g.fieldName("timestamp"): g.timestamp(),
	}

	if g.rng.Float64() > 0.1 {
		name := g.fieldName("ip")
		if g.rng.Float64() > 0.95 {
			// Truncated dotted quad, deliberate malformation.
			record[name] = fmt.Sprintf("%d.%d", g.rng.Intn(255)+1, g.rng.Intn(256))
		} else {
			record[name] = g.ip()
		}
	}

	if g.rng.Float64() > 0.2 {
		age := g.rng.Intn(58) + 18
		if g.rng.Float64() > 0.85 {
			record[g.fieldName("age")] = fmt.Sprintf("%d", age)
		} else {
			record[g.fieldName("age")] = age
		}
	}

	if g.rng.Float64() > 0.3 {
		record[g.fieldName("email")] = g.pick(g.emails)
	}
	if g.rng.Float64() > 0.25 {
		record[g.fieldName("country")] = g.pick(countries)
	}
	if g.rng.Float64() > 0.4 {
		record[g.fieldName("status")] = g.pick(statuses)
	}
	if g.rng.Float64() > 0.05 {
		record["session_id"] = fmt.Sprintf("sess_%d_%d", g.count, g.rng.Intn(9000)+1000)
	}

	if g.rng.Float64() > 0.6 {
		record["metadata"] = map[string]interface{}{
			"browser": g.pick(browsers),
			"os":      g.pick(oses),
			"device": map[string]interface{}{
				"type":        g.pick(devices),
				"screen_size": fmt.Sprintf("%sx%d", g.pick([]string{"1920", "1366", "1024"}), 1080),
			},
		}
	}

	if g.rng.Float64() > 0.8 {
		n := g.rng.Intn(3) + 1
		tags := make([]interface{}, 0, n)
		for _, i := range g.rng.Perm(len(tagPool))[:n] {
			tags = append(tags, tagPool[i])
		}
		record["tags"] = tags
	}

	return record
}

// GenerateBatch produces n records.
func (g *Generator) GenerateBatch(n int) []RawRecord {
	out := make([]RawRecord, n)
	for i := range out {
		out[i] = g.Generate()
	}
	return out
}

func (g *Generator) fieldName(canonical string) string {
	variants := fieldVariations[canonical]
	return variants[g.rng.Intn(len(variants))]
}

func (g *Generator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *Generator) ip() string {
	return fmt.Sprintf("%d.%d.%d.%d",
		g.rng.Intn(255)+1, g.rng.Intn(256), g.rng.Intn(256), g.rng.Intn(255)+1)
}

func (g *Generator) timestamp() string {
	back := time.Duration(g.rng.Intn(30*24)) * time.Hour
	return g.now().Add(-back).Format(time.RFC3339)
}
