package sri_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	srixml "github.com/jhoicas/fiscal-sri/internal/infrastructure/sri"
	"github.com/jhoicas/fiscal-sri/internal/testsupport"
)

func buildDoc(t *testing.T, sale *entity.Sale, issuer entity.Issuer) *etree.Document {
	t.Helper()
	out, err := srixml.NewXMLBuilder().Build(sale, issuer)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(out, []byte(`<?xml version="1.0" encoding="UTF-8"?>`)))
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(out))
	return doc
}

func text(t *testing.T, doc *etree.Document, path string) string {
	t.Helper()
	el := doc.FindElement(path)
	require.NotNil(t, el, path)
	return el.Text()
}

func TestXMLBuilder_EstructuraFactura(t *testing.T) {
	sale := testsupport.NumberedSale(t, "v1", 123)
	doc := buildDoc(t, sale, testsupport.Issuer())

	root := doc.Root()
	assert.Equal(t, "factura", root.Tag)
	assert.Equal(t, "comprobante", root.SelectAttrValue("id", ""))
	assert.Equal(t, "1.1.0", root.SelectAttrValue("version", ""))

	var order []string
	for _, c := range root.ChildElements() {
		order = append(order, c.Tag)
	}
	assert.Equal(t, []string{"infoTributaria", "infoFactura", "detalles", "infoAdicional"}, order)

	var tributaria []string
	for _, c := range doc.FindElement("./factura/infoTributaria").ChildElements() {
		tributaria = append(tributaria, c.Tag)
	}
	assert.Equal(t, []string{
		"ambiente", "tipoEmision", "razonSocial", "nombreComercial", "ruc", "claveAcceso",
		"codDoc", "estab", "ptoEmi", "secuencial", "dirMatriz",
	}, tributaria)

	assert.Equal(t, "1", text(t, doc, "./factura/infoTributaria/ambiente"))
	assert.Equal(t, sale.AccessKey, text(t, doc, "./factura/infoTributaria/claveAcceso"))
	assert.Equal(t, "000000123", text(t, doc, "./factura/infoTributaria/secuencial"))
	assert.Equal(t, "01", text(t, doc, "./factura/infoTributaria/codDoc"))

	assert.Equal(t, "26/10/2023", text(t, doc, "./factura/infoFactura/fechaEmision"))
	assert.Equal(t, "SI", text(t, doc, "./factura/infoFactura/obligadoContabilidad"))
	assert.Equal(t, "05", text(t, doc, "./factura/infoFactura/tipoIdentificacionComprador"))
	assert.Equal(t, "20.76", text(t, doc, "./factura/infoFactura/totalSinImpuestos"))
	assert.Equal(t, "0.00", text(t, doc, "./factura/infoFactura/totalDescuento"))
	assert.Equal(t, "0.00", text(t, doc, "./factura/infoFactura/propina"))
	assert.Equal(t, "23.25", text(t, doc, "./factura/infoFactura/importeTotal"))
	assert.Equal(t, "DOLAR", text(t, doc, "./factura/infoFactura/moneda"))
	assert.Equal(t, "01", text(t, doc, "./factura/infoFactura/pagos/pago/formaPago"))
	assert.Equal(t, "23.25", text(t, doc, "./factura/infoFactura/pagos/pago/total"))

	groups := doc.FindElements("./factura/infoFactura/totalConImpuestos/totalImpuesto")
	require.Len(t, groups, 1)
	assert.Equal(t, "2", groups[0].FindElement("codigo").Text())
	assert.Equal(t, "2", groups[0].FindElement("codigoPorcentaje").Text())
	assert.Equal(t, "20.76", groups[0].FindElement("baseImponible").Text())
	assert.Equal(t, "12.00", groups[0].FindElement("tarifa").Text())
	assert.Equal(t, "2.49", groups[0].FindElement("valor").Text())

	lines := doc.FindElements("./factura/detalles/detalle")
	require.Len(t, lines, 2)
	assert.Equal(t, "3.00", lines[0].FindElement("cantidad").Text())
	assert.Equal(t, "4.33", lines[0].FindElement("precioUnitario").Text())
	assert.Equal(t, "12.99", lines[0].FindElement("precioTotalSinImpuesto").Text())
	assert.Equal(t, "1.56", lines[0].FindElement("impuestos/impuesto/valor").Text())
	assert.Equal(t, "0.93", lines[1].FindElement("impuestos/impuesto/valor").Text())

	extra := doc.FindElement("./factura/infoAdicional/campoAdicional")
	require.NotNil(t, extra)
	assert.Equal(t, "Email", extra.SelectAttrValue("nombre", ""))
}

func TestXMLBuilder_Determinista(t *testing.T) {
	sale := testsupport.NumberedSale(t, "v1", 7)
	b := srixml.NewXMLBuilder()
	a1, err := b.Build(sale, testsupport.Issuer())
	require.NoError(t, err)
	a2, err := b.Build(sale, testsupport.Issuer())
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestXMLBuilder_EscapaTexto(t *testing.T) {
	sale := testsupport.NumberedSale(t, "v1", 8)
	sale.Customer.LegalName = `PEREZ & HIJOS <CIA>`
	doc := buildDoc(t, sale, testsupport.Issuer())
	assert.Equal(t, `PEREZ & HIJOS <CIA>`, text(t, doc, "./factura/infoFactura/razonSocialComprador"))
}

func TestXMLBuilder_CampoObligatorio(t *testing.T) {
	sale := testsupport.NumberedSale(t, "v1", 9)
	issuer := testsupport.Issuer()
	issuer.LegalName = ""
	_, err := srixml.NewXMLBuilder().Build(sale, issuer)
	require.ErrorIs(t, err, domain.ErrDocumentBuild)
	var be *domain.DocumentBuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "razonSocial", be.Field)

	unnumbered := testsupport.FinalizedSale(t, "v2")
	_, err = srixml.NewXMLBuilder().Build(unnumbered, testsupport.Issuer())
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "claveAcceso", be.Field)
}
