package rag

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/seanblong/catalograg/pkg/models"
)

// BuildContext renders results as numbered blocks for the completion prompt:
//
//	[1] StentMax Guide
//	Product: StentMax | Category: Cardiology | Price: $1,299.99
//	<chunk text>
//
// Blocks are separated by a blank line. Chunk text is never truncated.
func BuildContext(results []models.RetrievalResult) string {
	p := message.NewPrinter(language.English)

	blocks := make([]string, 0, len(results))
	for i, r := range results {
		var b strings.Builder
		b.WriteString("[")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("] ")
		b.WriteString(r.Document.Title)
		b.WriteString("\n")
		if r.Product != nil {
			b.WriteString("Product: ")
			b.WriteString(r.Product.Name)
			b.WriteString(" | Category: ")
			b.WriteString(r.Product.Category)
			b.WriteString(" | Price: ")
			b.WriteString(FormatPrice(p, r.Product.PriceCents))
			b.WriteString("\n")
		}
		b.WriteString(r.Chunk.Text)
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}

// FormatPrice renders cents as US dollars with grouping and two decimals.
func FormatPrice(p *message.Printer, cents int64) string {
	if p == nil {
		p = message.NewPrinter(language.English)
	}
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return sign + p.Sprintf("$%d", cents/100) + fmt.Sprintf(".%02d", cents%100)
}
