// seed_taxes genera el script SQL que puebla tax_rates con las tarifas de IVA.
//
// Uso: go run ./cmd/seed_taxes [ruta/tarifas.xml]
// Sin argumento usa la tabla incluida en pkg/sri. El XML opcional sigue el
// formato <tarifas><tarifa codigo="4" nombre="IVA 15%" porcentaje="15.00"/></tarifas>
// y puede venir en ISO-8859-1.
// Escribe: internal/infrastructure/postgres/seed_tax_rates.sql
package main

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/jhoicas/fiscal-sri/pkg/money"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

type tarifas struct {
	Default string   `xml:"default,attr"`
	Items   []tarifa `xml:"tarifa"`
}

type tarifa struct {
	Codigo     string `xml:"codigo,attr"`
	Nombre     string `xml:"nombre,attr"`
	Porcentaje string `xml:"porcentaje,attr"`
}

func main() {
	rates := sri.IVARates
	def := sri.DefaultIVARate
	if len(os.Args) > 1 {
		var err error
		rates, def, err = readXML(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Leer tarifas: %v\n", err)
			os.Exit(1)
		}
	}
	if err := validate(rates, def); err != nil {
		fmt.Fprintf(os.Stderr, "Tarifas inválidas: %v\n", err)
		os.Exit(1)
	}

	outPath := filepath.Join(findModuleRoot(), "internal", "infrastructure", "postgres", "seed_tax_rates.sql")
	out, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Crear archivo: %v\n", err)
		os.Exit(1)
	}
	defer out.Close()

	if err := writeSQL(out, rates, def); err != nil {
		fmt.Fprintf(os.Stderr, "Escribir SQL: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generado %s: %d tarifas, por defecto %s\n", outPath, len(rates), def)
}

func readXML(path string) ([]sri.IVARate, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) ([]sri.IVARate, string, error) {
	var t tarifas
	dec := xml.NewDecoder(r)
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		if strings.EqualFold(charset, "ISO-8859-1") || strings.EqualFold(charset, "ISO8859-1") {
			return transform.NewReader(input, charmap.ISO8859_1.NewDecoder()), nil
		}
		return input, nil
	}
	if err := dec.Decode(&t); err != nil {
		return nil, "", fmt.Errorf("decodificar XML: %w", err)
	}
	rates := make([]sri.IVARate, 0, len(t.Items))
	for _, it := range t.Items {
		rates = append(rates, sri.IVARate{
			Code:    strings.TrimSpace(it.Codigo),
			Name:    strings.TrimSpace(it.Nombre),
			Percent: strings.TrimSpace(it.Porcentaje),
		})
	}
	def := strings.TrimSpace(t.Default)
	if def == "" {
		def = sri.DefaultIVARate
	}
	return rates, def, nil
}

// validate exige códigos únicos, porcentajes no negativos con 2 decimales y
// que la tarifa por defecto exista.
func validate(rates []sri.IVARate, def string) error {
	seen := make(map[string]bool, len(rates))
	for _, r := range rates {
		if r.Code == "" || r.Name == "" {
			return fmt.Errorf("tarifa incompleta %+v", r)
		}
		if seen[r.Code] {
			return fmt.Errorf("código repetido %s", r.Code)
		}
		seen[r.Code] = true
		p, err := money.FromString(r.Percent, 2)
		if err != nil {
			return fmt.Errorf("tarifa %s: %w", r.Code, err)
		}
		if p.IsNegative() {
			return fmt.Errorf("tarifa %s con porcentaje negativo", r.Code)
		}
	}
	if !seen[def] {
		return fmt.Errorf("tarifa por defecto %s no está en la lista", def)
	}
	return nil
}

func writeSQL(w io.Writer, rates []sri.IVARate, def string) error {
	sorted := append([]sri.IVARate(nil), rates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	var b strings.Builder
	b.WriteString("-- Tarifas de IVA (tabla 17, codigoPorcentaje)\n")
	b.WriteString("-- Generado por cmd/seed_taxes\n\n")
	b.WriteString("BEGIN;\n")
	b.WriteString("UPDATE tax_rates SET is_default = FALSE, updated_by = 'seed', updated_at = now() WHERE is_default;\n")
	b.WriteString("INSERT INTO tax_rates (code, name, tax_code, percent, is_default, created_by, updated_by) VALUES\n")
	for i, r := range sorted {
		fmt.Fprintf(&b, "  ('%s', '%s', '%s', %s, %t, 'seed', 'seed')",
			escapeSQL(r.Code), escapeSQL(r.Name), sri.TaxCodeIVA, r.Percent, r.Code == def)
		if i < len(sorted)-1 {
			b.WriteString(",\n")
		} else {
			b.WriteString("\n")
		}
	}
	b.WriteString("ON CONFLICT (code) DO UPDATE SET\n")
	b.WriteString("  name = EXCLUDED.name, percent = EXCLUDED.percent, is_default = EXCLUDED.is_default,\n")
	b.WriteString("  updated_by = EXCLUDED.updated_by, updated_at = now(), deleted = FALSE;\n")
	b.WriteString("COMMIT;\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func escapeSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func findModuleRoot() string {
	dir, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
