package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/seanblong/catalograg/pkg/models"
)

// catalogNamespace roots every generated identifier so re-seeding the same
// catalog yields the same ids.
var catalogNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/seanblong/catalograg"))

// CatalogFile is the on-disk catalog format.
//
//	products:
//	  - name: CardioFlow Balloon Catheter System
//	    category: Cardiology
//	    manufacturer: CardioMed Systems
//	    price: 1299.99
//	    description: ...
//	    document:
//	      title: CardioFlow Balloon Catheter Guide
//	      sourceUri: https://example.com/docs/cardioflow-balloon.pdf
//	      chunks:
//	        - ...
//	documents:
//	  - title: Sterilization Handbook
//	    file: handbook.pdf
type CatalogFile struct {
	Products  []ProductEntry  `yaml:"products"`
	Documents []DocumentEntry `yaml:"documents"`
}

type ProductEntry struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Category     string         `yaml:"category"`
	Manufacturer string         `yaml:"manufacturer"`
	Price        Price          `yaml:"price"`
	Description  string         `yaml:"description"`
	Document     *DocumentEntry `yaml:"document"`
}

// DocumentEntry carries either inline chunks, a file to extract and chunk
// (relative to the catalog file), or both.
type DocumentEntry struct {
	Title     string   `yaml:"title"`
	SourceURI string   `yaml:"sourceUri"`
	File      string   `yaml:"file"`
	Chunks    []string `yaml:"chunks"`
}

// Price is a non-negative amount in cents parsed exactly from a decimal such
// as 1299.99 or "$1,299.99".
type Price int64

func (p *Price) UnmarshalYAML(n *yaml.Node) error {
	cents, err := ParsePrice(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*p = Price(cents)
	return nil
}

// ParsePrice converts a decimal dollar amount to cents without going through
// floating point.
func ParsePrice(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("price %q: must not be negative", s)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("price %q: more than two decimal places", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", s, err)
	}
	return w*100 + f, nil
}

// ParseCatalog decodes and validates a catalog file.
func ParseCatalog(b []byte) (*CatalogFile, error) {
	var c CatalogFile
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	var errs []error
	for i, p := range c.Products {
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Errorf("products[%d]: name is required", i))
		}
		if strings.TrimSpace(p.Category) == "" {
			errs = append(errs, fmt.Errorf("products[%d]: category is required", i))
		}
		if p.Document != nil && p.Document.Title == "" {
			errs = append(errs, fmt.Errorf("products[%d].document: title is required", i))
		}
	}
	for i, d := range c.Documents {
		if d.Title == "" {
			errs = append(errs, fmt.Errorf("documents[%d]: title is required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &c, nil
}

// ProductID derives a stable identifier for a catalog product. An explicit id
// in the catalog wins.
func ProductID(p ProductEntry) string {
	if p.ID != "" {
		return p.ID
	}
	return uuid.NewSHA1(catalogNamespace, []byte("product:"+p.Name)).String()
}

// DocumentID derives a stable identifier from the source locator, falling
// back to the title.
func DocumentID(d DocumentEntry, productID string) string {
	key := d.SourceURI
	if key == "" {
		key = d.File
	}
	if key == "" {
		key = d.Title
	}
	return uuid.NewSHA1(catalogNamespace, []byte("document:"+productID+":"+key)).String()
}

// ChunkID derives a stable identifier for the n-th chunk of a document.
func ChunkID(documentID string, n int) string {
	return uuid.NewSHA1(catalogNamespace, []byte(fmt.Sprintf("chunk:%s#%d", documentID, n))).String()
}

// Product converts the entry to its stored form.
func (p ProductEntry) Product() *models.Product {
	return &models.Product{
		ID:           ProductID(p),
		Name:         strings.TrimSpace(p.Name),
		Category:     strings.TrimSpace(p.Category),
		Manufacturer: strings.TrimSpace(p.Manufacturer),
		PriceCents:   int64(p.Price),
		Description:  strings.TrimSpace(p.Description),
	}
}
