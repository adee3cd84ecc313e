package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
)

func TestMetadatosIdaYVuelta(t *testing.T) {
	at := time.Date(2025, 3, 14, 15, 4, 5, 0, time.UTC)
	doc := entity.ArchivedDocument{
		AccessKey: "1403202501179001234500110010010000001231234567813", SaleID: "venta-1",
		SignedXML: []byte("<factura/>"), Checksum: entity.Checksum([]byte("<factura/>")),
		AuthorizationNumber: "1403202501179001234500110010010000001231234567813",
		AuthorizationTime:   at, Environment: "PRUEBAS", ArchivedAt: at,
	}

	// el servidor devuelve las claves canonicalizadas y a veces con prefijo
	raw := map[string]string{}
	for k, v := range metadataOf(doc) {
		raw["X-Amz-Meta-"+k] = v
	}
	got := documentOf(doc.AccessKey, doc.SignedXML, raw)

	assert.Equal(t, doc.SaleID, got.SaleID)
	assert.Equal(t, doc.Checksum, got.Checksum)
	assert.Equal(t, doc.AuthorizationNumber, got.AuthorizationNumber)
	assert.True(t, doc.AuthorizationTime.Equal(got.AuthorizationTime))
	assert.Equal(t, "PRUEBAS", got.Environment)
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "autorizados/abc.xml", objectName("autorizados", "abc"))
}

func TestLookupSinDistinguirMayusculas(t *testing.T) {
	assert.Equal(t, "x", lookup(map[string]string{"sale-id": "x"}, metaSaleID))
	assert.Empty(t, lookup(map[string]string{}, metaSaleID))
}
