package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

func TestDecodeISO88591(t *testing.T) {
	src := `<?xml version="1.0" encoding="ISO-8859-1"?>
<tarifas default="4">
  <tarifa codigo="4" nombre="IVA 15% vigente" porcentaje="15.00"/>
  <tarifa codigo="7" nombre="Exento de IVA (sección)" porcentaje="0.00"/>
</tarifas>`
	latin, err := charmap.ISO8859_1.NewEncoder().String(src)
	require.NoError(t, err)

	rates, def, err := decode(strings.NewReader(latin))
	require.NoError(t, err)
	assert.Equal(t, "4", def)
	require.Len(t, rates, 2)
	assert.Equal(t, "Exento de IVA (sección)", rates[1].Name)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validate(sri.IVARates, sri.DefaultIVARate))

	dup := []sri.IVARate{{Code: "4", Name: "a", Percent: "15.00"}, {Code: "4", Name: "b", Percent: "12.00"}}
	assert.Error(t, validate(dup, "4"))

	neg := []sri.IVARate{{Code: "4", Name: "a", Percent: "-1.00"}}
	assert.Error(t, validate(neg, "4"))

	assert.Error(t, validate(sri.IVARates, "99"))
}

func TestWriteSQL(t *testing.T) {
	var buf bytes.Buffer
	rates := []sri.IVARate{{Code: "4", Name: "IVA 15%", Percent: "15.00"}, {Code: "0", Name: "L'IVA 0%", Percent: "0.00"}}
	require.NoError(t, writeSQL(&buf, rates, "4"))

	sql := buf.String()
	assert.Contains(t, sql, "('0', 'L''IVA 0%', '2', 0.00, false, 'seed', 'seed'),")
	assert.Contains(t, sql, "('4', 'IVA 15%', '2', 15.00, true, 'seed', 'seed')\n")
	assert.Contains(t, sql, "ON CONFLICT (code) DO UPDATE SET")
	assert.True(t, strings.HasSuffix(sql, "COMMIT;\n"))
}
