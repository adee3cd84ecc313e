// Package sri implementa la construcción del XML de comprobantes y el cliente
// SOAP de los web services offline del SRI (Ecuador).
package sri

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/pkg/money"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

const (
	// DocumentID valor del atributo id de la raíz; la firma lo referencia como #comprobante.
	DocumentID = "comprobante"
	// InvoiceVersion versión del esquema de factura.
	InvoiceVersion = "1.1.0"
)

// XMLBuilder construye el XML de la factura (sin firma).
type XMLBuilder struct{}

// NewXMLBuilder crea el constructor.
func NewXMLBuilder() *XMLBuilder {
	return &XMLBuilder{}
}

// Build genera el documento <factura> a partir de una venta numerada y finalizada.
// Es determinista: la misma venta produce los mismos bytes.
func (b *XMLBuilder) Build(sale *entity.Sale, issuer entity.Issuer) ([]byte, error) {
	if err := checkRequired(sale, issuer); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")

	root := xml.StartElement{
		Name: xml.Name{Local: "factura"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "id"}, Value: DocumentID},
			{Name: xml.Name{Local: "version"}, Value: InvoiceVersion},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}

	// ---- infoTributaria
	b.writeInfoTributaria(enc, sale, issuer)
	// ---- infoFactura
	b.writeInfoFactura(enc, sale, issuer)
	// ---- detalles
	b.writeDetalles(enc, sale)
	// ---- infoAdicional (opcional)
	b.writeInfoAdicional(enc, sale)

	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checkRequired(sale *entity.Sale, issuer entity.Issuer) error {
	if sale == nil {
		return &domain.DocumentBuildError{Field: "venta"}
	}
	required := []struct{ field, value string }{
		{"ruc", issuer.TaxID},
		{"razonSocial", issuer.LegalName},
		{"dirMatriz", issuer.Address},
		{"claveAcceso", sale.AccessKey},
		{"estab", sale.Establishment},
		{"ptoEmi", sale.EmissionPoint},
		{"secuencial", sale.Sequential},
		{"razonSocialComprador", sale.Customer.LegalName},
		{"identificacionComprador", sale.Customer.IDNumber},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &domain.DocumentBuildError{Field: r.field}
		}
	}
	if sale.IssueDate.IsZero() {
		return &domain.DocumentBuildError{Field: "fechaEmision"}
	}
	if _, ok := sale.Customer.IDKind.BuyerCode(); !ok {
		return &domain.DocumentBuildError{Field: "tipoIdentificacionComprador", Reason: "tipo " + string(sale.Customer.IDKind) + " desconocido"}
	}
	if len(sale.Lines) == 0 {
		return &domain.DocumentBuildError{Field: "detalles", Reason: "sin líneas"}
	}
	if len(sale.Totals.TaxGroups) == 0 {
		return &domain.DocumentBuildError{Field: "totalConImpuestos", Reason: "la venta no fue finalizada"}
	}
	if err := sri.ValidateAccessKey(sale.AccessKey); err != nil {
		return &domain.DocumentBuildError{Field: "claveAcceso", Reason: err.Error()}
	}
	return nil
}

func (b *XMLBuilder) writeInfoTributaria(enc *xml.Encoder, sale *entity.Sale, issuer entity.Issuer) {
	start(enc, "infoTributaria")
	writeElem(enc, "ambiente", issuer.Environment.Code())
	writeElem(enc, "tipoEmision", issuer.Mode())
	writeElem(enc, "razonSocial", issuer.LegalName)
	if issuer.CommercialName != "" {
		writeElem(enc, "nombreComercial", issuer.CommercialName)
	}
	writeElem(enc, "ruc", issuer.TaxID)
	writeElem(enc, "claveAcceso", sale.AccessKey)
	writeElem(enc, "codDoc", string(sale.Kind))
	writeElem(enc, "estab", sale.Establishment)
	writeElem(enc, "ptoEmi", sale.EmissionPoint)
	writeElem(enc, "secuencial", sale.Sequential)
	writeElem(enc, "dirMatriz", issuer.Address)
	end(enc, "infoTributaria")
}

func (b *XMLBuilder) writeInfoFactura(enc *xml.Encoder, sale *entity.Sale, issuer entity.Issuer) {
	buyerCode, _ := sale.Customer.IDKind.BuyerCode()
	estAddress := issuer.EstablishmentAddress
	if estAddress == "" {
		estAddress = issuer.Address
	}
	t := sale.Totals

	start(enc, "infoFactura")
	writeElem(enc, "fechaEmision", sale.IssueDate.Format("02/01/2006"))
	writeElem(enc, "dirEstablecimiento", estAddress)
	if issuer.SpecialTaxpayer != "" {
		writeElem(enc, "contribuyenteEspecial", issuer.SpecialTaxpayer)
	}
	writeElem(enc, "obligadoContabilidad", yesNo(issuer.AccountingRequired))
	writeElem(enc, "tipoIdentificacionComprador", buyerCode)
	writeElem(enc, "razonSocialComprador", sale.Customer.LegalName)
	writeElem(enc, "identificacionComprador", sale.Customer.IDNumber)
	if sale.Customer.Address != "" {
		writeElem(enc, "direccionComprador", sale.Customer.Address)
	}
	writeElem(enc, "totalSinImpuestos", amount(t.NetSum))
	writeElem(enc, "totalDescuento", amount(t.DiscountSum))

	start(enc, "totalConImpuestos")
	for _, g := range t.TaxGroups {
		start(enc, "totalImpuesto")
		writeElem(enc, "codigo", g.TaxKind)
		writeElem(enc, "codigoPorcentaje", g.RateCode)
		writeElem(enc, "baseImponible", amount(g.Base))
		writeElem(enc, "tarifa", amount(g.Percent))
		writeElem(enc, "valor", amount(g.Tax))
		end(enc, "totalImpuesto")
	}
	end(enc, "totalConImpuestos")

	writeElem(enc, "propina", "0.00")
	writeElem(enc, "importeTotal", amount(t.GrossTotal))
	writeElem(enc, "moneda", sri.Currency)

	start(enc, "pagos")
	start(enc, "pago")
	writeElem(enc, "formaPago", sale.Payment())
	writeElem(enc, "total", amount(t.GrossTotal))
	end(enc, "pago")
	end(enc, "pagos")
	end(enc, "infoFactura")
}

func (b *XMLBuilder) writeDetalles(enc *xml.Encoder, sale *entity.Sale) {
	start(enc, "detalles")
	for _, l := range sale.Lines {
		start(enc, "detalle")
		writeElem(enc, "codigoPrincipal", l.ProductCode)
		writeElem(enc, "descripcion", l.Description)
		writeElem(enc, "cantidad", amount(l.Quantity))
		writeElem(enc, "precioUnitario", amount(l.UnitPrice))
		writeElem(enc, "descuento", amount(l.Discount))
		writeElem(enc, "precioTotalSinImpuesto", amount(l.Net))
		start(enc, "impuestos")
		start(enc, "impuesto")
		writeElem(enc, "codigo", l.TaxKind)
		writeElem(enc, "codigoPorcentaje", l.TaxRateCode)
		writeElem(enc, "tarifa", amount(l.TaxPercent))
		writeElem(enc, "baseImponible", amount(l.Net))
		writeElem(enc, "valor", amount(l.Tax))
		end(enc, "impuesto")
		end(enc, "impuestos")
		end(enc, "detalle")
	}
	end(enc, "detalles")
}

func (b *XMLBuilder) writeInfoAdicional(enc *xml.Encoder, sale *entity.Sale) {
	fields := append([]entity.AdditionalField(nil), sale.Additional...)
	if email := sale.Customer.Email; email != "" && !hasField(fields, "Email") {
		fields = append(fields, entity.AdditionalField{Name: "Email", Value: email})
	}
	if len(fields) == 0 {
		return
	}
	start(enc, "infoAdicional")
	for _, f := range fields {
		if f.Name == "" || f.Value == "" {
			continue
		}
		_ = enc.EncodeToken(xml.StartElement{
			Name: xml.Name{Local: "campoAdicional"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "nombre"}, Value: f.Name}},
		})
		_ = enc.EncodeToken(xml.CharData(f.Value))
		end(enc, "campoAdicional")
	}
	end(enc, "infoAdicional")
}

func start(enc *xml.Encoder, local string) {
	_ = enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: local}})
}

func end(enc *xml.Encoder, local string) {
	_ = enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: local}})
}

func writeElem(enc *xml.Encoder, local, value string) {
	start(enc, local)
	_ = enc.EncodeToken(xml.CharData(value))
	end(enc, local)
}

// amount dos decimales, punto decimal, sin separador de miles.
func amount(m money.Money) string {
	return m.StringScale(money.AmountScale)
}

func yesNo(v bool) string {
	if v {
		return "SI"
	}
	return "NO"
}

func hasField(fields []entity.AdditionalField, name string) bool {
	for _, f := range fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}
