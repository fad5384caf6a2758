package sandbox

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Result is one lab result served by the sandbox. Phone empty means no contact on file.
type Result struct {
	ID        string `yaml:"id"`
	Reference string `yaml:"reference"`
	FirstName string `yaml:"firstName"`
	LastName  string `yaml:"lastName"`
	Birthdate string `yaml:"birthdate"`
	Phone     string `yaml:"phone"`
	// PDFPath, when set, is served on download; otherwise a generated one-page PDF is.
	PDFPath string `yaml:"pdf"`
}

type fixtureFile struct {
	Results []Result `yaml:"results"`
}

// DemoResults are served when no fixture file is configured.
func DemoResults() []Result {
	return []Result{
		{ID: "demo-ok", Reference: "LAB-2025-0042", FirstName: "Awa", LastName: "Ndjock", Birthdate: "1988-04-12", Phone: "+237699001089"},
		{ID: "demo-nophone", Reference: "LAB-2025-0043", FirstName: "Paul", LastName: "Mbarga", Birthdate: "1975-11-30"},
	}
}

// LoadFixtures reads results from a YAML file of the form:
//
//	results:
//	  - id: abc
//	    reference: LAB-1
//	    phone: "+237600000000"
func LoadFixtures(path string) ([]Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read fixtures: %w", err)
	}
	return parseFixtures(raw)
}

func parseFixtures(raw []byte) ([]Result, error) {
	var f fixtureFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("sandbox: parse fixtures: %w", err)
	}
	seen := make(map[string]bool, len(f.Results))
	for i := range f.Results {
		r := &f.Results[i]
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return nil, fmt.Errorf("sandbox: fixture %d has no id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("sandbox: duplicate fixture id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return f.Results, nil
}

// document returns the PDF bytes served for r.
func (r Result) document() ([]byte, error) {
	if r.PDFPath != "" {
		return os.ReadFile(r.PDFPath)
	}
	return stubPDF("Resultat " + r.Reference), nil
}

// stubPDF renders a minimal single-page PDF showing title.
func stubPDF(title string) []byte {
	title = strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(title)
	content := fmt.Sprintf("BT /F1 18 Tf 72 720 Td (%s) Tj ET", title)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.Bytes()
}
