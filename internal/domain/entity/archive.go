package entity

import "time"

// ArchivedDocument comprobante autorizado, persistido una sola vez por clave de acceso.
type ArchivedDocument struct {
	AccessKey           string
	SaleID              string
	SignedXML           []byte
	Checksum            string
	AuthorizationNumber string
	AuthorizationTime   time.Time
	Environment         string
	ArchivedAt          time.Time
}
