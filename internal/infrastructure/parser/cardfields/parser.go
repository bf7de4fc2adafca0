// Package cardfields extracts trading-card fields from recognized text lines.
package cardfields

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

var (
	cardNumberRe  = regexp.MustCompile(`(?:^|[^\d/])#?(\d{1,3})\s*/\s*(\d{1,3})(?:$|[^\d/])`)
	promoNumberRe = regexp.MustCompile(`(?:^|\s)#(\d{1,3})\b`)
	rarityRe      = regexp.MustCompile(`(?i)\b(secret\s+rare|ultra\s+rare|holo\s+rare|uncommon|common|rare)\b`)
	variantRe     = regexp.MustCompile(`(?i)\b(reverse\s+holo|1st\s+edition|shadowless|full\s+art|holo|foil|promo)\b`)
	setCodeRe     = regexp.MustCompile(`\b([A-Z]{2,4})(\d{0,3})\b`)
	hpRe          = regexp.MustCompile(`(?i)\bHP\s*\d+\b|\b\d+\s*HP\b`)
	stageRe       = regexp.MustCompile(`(?i)^(basic|stage\s*[12]|break|level\s*x)\b`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

var setCodes = map[string]string{
	"BASE": "Base Set",
	"JU":   "Jungle",
	"FO":   "Fossil",
	"TR":   "Team Rocket",
	"BS2":  "Base Set 2",
	"GYM":  "Gym Heroes",
	"GC":   "Gym Challenge",
	"N1":   "Neo Genesis",
	"N2":   "Neo Discovery",
	"N3":   "Neo Revelation",
	"N4":   "Neo Destiny",
	"AQ":   "Aquapolis",
	"SK":   "Skyridge",
	"SV":   "Scarlet & Violet",
	"SS":   "Sword & Shield",
	"SM":   "Sun & Moon",
	"XY":   "XY",
	"BW":   "Black & White",
}

// setNames are matched against line text, longest names first.
var setNames = []string{
	"Scarlet & Violet", "Sword & Shield", "Black & White", "Sun & Moon",
	"Neo Revelation", "Neo Discovery", "Gym Challenge", "Neo Destiny", "Neo Genesis",
	"Team Rocket", "Gym Heroes", "Base Set 2", "Aquapolis", "Skyridge", "Base Set",
	"Jungle", "Fossil",
}

// Parser is a heuristic field extractor. Fields it cannot find stay nil.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

func (p *Parser) Parse(lines []string) domain.CardFields {
	cleaned := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(spaceRe.ReplaceAllString(l, " ")); l != "" {
			cleaned = append(cleaned, l)
		}
	}

	return domain.CardFields{
		Name:        findName(cleaned),
		SetName:     findSetName(cleaned),
		CardNumber:  findCardNumber(cleaned),
		RarityText:  findFirst(cleaned, rarityRe),
		VariantText: findFirst(cleaned, variantRe),
	}
}

func findCardNumber(lines []string) *string {
	for _, l := range lines {
		if m := cardNumberRe.FindStringSubmatch(l); m != nil {
			v := m[1] + "/" + m[2]
			return &v
		}
	}
	for _, l := range lines {
		if m := promoNumberRe.FindStringSubmatch(l); m != nil {
			v := "#" + m[1]
			return &v
		}
	}
	return nil
}

func findFirst(lines []string, re *regexp.Regexp) *string {
	for _, l := range lines {
		if m := re.FindStringSubmatch(l); m != nil {
			v := titleWords(m[1])
			return &v
		}
	}
	return nil
}

func findSetName(lines []string) *string {
	for _, l := range lines {
		lower := strings.ToLower(l)
		for _, name := range setNames {
			if strings.Contains(lower, strings.ToLower(name)) {
				v := name
				return &v
			}
		}
	}
	for _, l := range lines {
		for _, m := range setCodeRe.FindAllStringSubmatch(l, -1) {
			if name, ok := setCodes[m[1]+m[2]]; ok {
				return &name
			}
			if name, ok := setCodes[m[1]]; ok && m[2] != "" {
				return &name
			}
		}
	}
	return nil
}

// findName takes the first line that reads like a card title once stage
// prefixes and HP markers are removed.
func findName(lines []string) *string {
	for _, l := range lines {
		candidate := hpRe.ReplaceAllString(l, "")
		candidate = stageRe.ReplaceAllString(strings.TrimSpace(candidate), "")
		candidate = strings.Trim(candidate, " -:.,")
		if !looksLikeName(candidate) {
			continue
		}
		if rarityRe.MatchString(candidate) && len(rarityRe.ReplaceAllString(candidate, "")) < 3 {
			continue
		}
		return &candidate
	}
	return nil
}

func looksLikeName(s string) bool {
	var letters, total int
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters >= 3 && float64(letters)/float64(total) >= 0.6
}

func titleWords(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
