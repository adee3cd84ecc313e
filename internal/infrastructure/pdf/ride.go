// Package pdf genera el RIDE (Representación Impresa del Documento
// Electrónico) de un comprobante autorizado por el SRI.
//
// Layout de la página A4:
//
//	┌──────────────────────────────┬──────────────────────────────┐
//	│  EMISOR: razón social,       │  RUC / FACTURA N° 001-001-…  │
//	│  nombre comercial,           │  N° y fecha de autorización  │
//	│  direcciones, contabilidad   │  ambiente / emisión          │
//	│                              │  CLAVE DE ACCESO (Code128)   │
//	├──────────────────────────────┴──────────────────────────────┤
//	│  COMPRADOR: razón social, identificación, fecha de emisión  │
//	├─────────────────────────────────────────────────────────────┤
//	│  Código | Cant. | Descripción | P.Unit | Desc. | Total      │
//	├─────────────────────────────────────────────────────────────┤
//	│  Info adicional            │  Subtotales por tarifa / IVA   │
//	│                            │  VALOR TOTAL                   │
//	└─────────────────────────────────────────────────────────────┘
package pdf

import (
	"context"
	"fmt"

	maroto "github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/code"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/row"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/consts/pagesize"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"

	"github.com/jhoicas/fiscal-sri/internal/application/billing"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

var _ billing.RIDERenderer = (*RIDEGenerator)(nil)

// ── Paleta de colores ─────────────────────────────────────────────────────────

var (
	colorPrimary = &props.Color{Red: 0, Green: 70, Blue: 127}
	colorGray    = &props.Color{Red: 100, Green: 100, Blue: 100}
)

// RIDEGenerator implementa billing.RIDERenderer con Maroto v2.
type RIDEGenerator struct{}

// NewRIDEGenerator construye el generador.
func NewRIDEGenerator() *RIDEGenerator { return &RIDEGenerator{} }

// Render genera el PDF y devuelve sus bytes.
func (g *RIDEGenerator) Render(_ context.Context, sale *entity.Sale, issuer entity.Issuer, doc *entity.ArchivedDocument) ([]byte, error) {
	if sale == nil || doc == nil {
		return nil, fmt.Errorf("pdf: venta o documento archivado ausente")
	}
	cfg := config.NewBuilder().
		WithPageSize(pagesize.A4).
		WithLeftMargin(10).WithRightMargin(10).
		WithTopMargin(10).WithBottomMargin(10).
		WithDefaultFont(&props.Font{Family: "helvetica", Size: 8}).
		WithTitle("RIDE "+kindLabel(sale.Kind), true).
		WithAuthor(issuer.LegalName, true).
		Build()

	m := maroto.New(cfg)

	m.AddRows(headerRow(sale, issuer, doc))
	m.AddRows(line.NewRow(1, props.Line{Color: colorPrimary, Thickness: 0.5}))
	m.AddRows(buyerRow(sale))
	m.AddRows(line.NewRow(1, props.Line{Color: colorPrimary, Thickness: 0.3}))

	m.AddRows(tableHeaderRow())
	m.AddRows(tableDetailRows(sale.Lines)...)

	m.AddRows(line.NewRow(1, props.Line{Color: colorPrimary, Thickness: 0.3}))
	m.AddRows(totalsRows(sale)...)

	out, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("pdf: generar RIDE: %w", err)
	}
	return out.GetBytes(), nil
}

// ── Secciones ─────────────────────────────────────────────────────────────────

func headerRow(sale *entity.Sale, issuer entity.Issuer, doc *entity.ArchivedDocument) core.Row {
	accounting := "NO"
	if issuer.AccountingRequired {
		accounting = "SI"
	}
	number := fmt.Sprintf("%s-%s-%s", sale.Establishment, sale.EmissionPoint, sale.Sequential)
	authTime := doc.AuthorizationTime.Format("02/01/2006 15:04:05")

	return row.New(62).Add(
		col.New(6).Add(
			text.New(issuer.LegalName, props.Text{Style: fontstyle.Bold, Size: 12, Color: colorPrimary, Top: 2}),
			text.New(nonEmpty(issuer.CommercialName, issuer.LegalName), props.Text{Size: 9, Top: 10}),
			text.New("Dirección matriz: "+issuer.Address, props.Text{Size: 7, Top: 18, Color: colorGray}),
			text.New("Dirección sucursal: "+nonEmpty(issuer.EstablishmentAddress, issuer.Address),
				props.Text{Size: 7, Top: 26, Color: colorGray}),
			text.New("Obligado a llevar contabilidad: "+accounting, props.Text{Size: 7, Top: 34, Color: colorGray}),
		),
		col.New(6).Add(
			text.New("R.U.C.: "+issuer.TaxID, props.Text{Style: fontstyle.Bold, Size: 10, Top: 2}),
			text.New(kindLabel(sale.Kind), props.Text{Style: fontstyle.Bold, Size: 11, Color: colorPrimary, Top: 8}),
			text.New("No. "+number, props.Text{Size: 9, Top: 14}),
			text.New("NÚMERO DE AUTORIZACIÓN", props.Text{Style: fontstyle.Bold, Size: 7, Top: 20}),
			text.New(doc.AuthorizationNumber, props.Text{Size: 6.5, Top: 24}),
			text.New("FECHA Y HORA DE AUTORIZACIÓN: "+authTime, props.Text{Size: 7, Top: 29}),
			text.New("AMBIENTE: "+doc.Environment+"    EMISIÓN: NORMAL", props.Text{Size: 7, Top: 34}),
			text.New("CLAVE DE ACCESO", props.Text{Style: fontstyle.Bold, Size: 7, Top: 39}),
			code.NewBar(doc.AccessKey, props.Barcode{Top: 43, Percent: 100, Proportion: props.Proportion{Width: 20, Height: 2}}),
			text.New(doc.AccessKey, props.Text{Size: 6, Top: 56, Align: align.Center}),
		),
	)
}

func buyerRow(sale *entity.Sale) core.Row {
	return row.New(14).Add(
		col.New(8).Add(
			text.New("Razón social / Nombres y apellidos: "+sale.Customer.LegalName, props.Text{Size: 8, Top: 2}),
			text.New("Fecha de emisión: "+sale.IssueDate.Format("02/01/2006"), props.Text{Size: 8, Top: 8}),
		),
		col.New(4).Add(
			text.New("Identificación: "+sale.Customer.IDNumber, props.Text{Size: 8, Top: 2, Align: align.Right}),
		),
	)
}

func tableHeaderRow() core.Row {
	h := func(label string, size int, a align.Type) core.Col {
		return col.New(size).Add(text.New(label, props.Text{
			Style: fontstyle.Bold, Size: 7, Align: a, Color: colorPrimary, Top: 2, Left: 1, Right: 1,
		}))
	}
	return row.New(7).Add(
		h("Cód. principal", 2, align.Left),
		h("Cant.", 1, align.Right),
		h("Descripción", 4, align.Left),
		h("P. unitario", 2, align.Right),
		h("Descuento", 1, align.Right),
		h("P. total", 2, align.Right),
	)
}

func tableDetailRows(lines []entity.SaleLine) []core.Row {
	out := make([]core.Row, 0, len(lines))
	cell := func(s string, size int, a align.Type) core.Col {
		return col.New(size).Add(text.New(s, props.Text{Size: 7, Align: a, Top: 1, Left: 1, Right: 1}))
	}
	for _, l := range lines {
		out = append(out, row.New(6).Add(
			cell(l.ProductCode, 2, align.Left),
			cell(l.Quantity.StringScale(2), 1, align.Right),
			cell(l.Description, 4, align.Left),
			cell(l.UnitPrice.StringScale(2), 2, align.Right),
			cell(l.Discount.StringScale(2), 1, align.Right),
			cell(l.Net.StringScale(2), 2, align.Right),
		))
	}
	return out
}

func totalsRows(sale *entity.Sale) []core.Row {
	type kv struct{ label, value string }
	items := make([]kv, 0, len(sale.Totals.TaxGroups)*2+4)
	for _, g := range sale.Totals.TaxGroups {
		items = append(items, kv{"SUBTOTAL " + g.Percent.StringScale(0) + "%", g.Base.String()})
	}
	items = append(items, kv{"SUBTOTAL SIN IMPUESTOS", sale.Totals.NetSum.String()})
	items = append(items, kv{"TOTAL DESCUENTO", sale.Totals.DiscountSum.String()})
	for _, g := range sale.Totals.TaxGroups {
		if g.Tax.IsPositive() {
			items = append(items, kv{"IVA " + g.Percent.StringScale(0) + "%", g.Tax.String()})
		}
	}
	items = append(items, kv{"VALOR TOTAL", sale.Totals.GrossTotal.String()})

	var info []core.Component
	top := 1.0
	info = append(info, text.New("Información adicional", props.Text{Style: fontstyle.Bold, Size: 7, Top: top}))
	if sale.Customer.Email != "" {
		top += 5
		info = append(info, text.New("Email: "+sale.Customer.Email, props.Text{Size: 7, Top: top}))
	}
	for _, f := range sale.Additional {
		top += 5
		info = append(info, text.New(f.Name+": "+f.Value, props.Text{Size: 7, Top: top}))
	}

	rows := []core.Row{row.New(float64(5*len(items)) + 2).Add(
		col.New(7).Add(info...),
		col.New(3).Add(stack(items, func(it kv) string { return it.label }, fontstyle.Bold)...),
		col.New(2).Add(stack(items, func(it kv) string { return it.value }, fontstyle.Normal)...),
	)}
	return rows
}

func stack[T any](items []T, f func(T) string, style fontstyle.Type) []core.Component {
	out := make([]core.Component, 0, len(items))
	for i, it := range items {
		out = append(out, text.New(f(it), props.Text{Size: 7, Style: style, Align: align.Right, Top: float64(i*5) + 1, Right: 1}))
	}
	return out
}

// ── helpers ───────────────────────────────────────────────────────────────────

func kindLabel(k sri.DocumentKind) string {
	switch k {
	case sri.KindInvoice:
		return "FACTURA"
	case sri.KindCreditNote:
		return "NOTA DE CRÉDITO"
	case sri.KindDebitNote:
		return "NOTA DE DÉBITO"
	case sri.KindRemittance:
		return "GUÍA DE REMISIÓN"
	case sri.KindWithholding:
		return "COMPROBANTE DE RETENCIÓN"
	default:
		return "COMPROBANTE"
	}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
