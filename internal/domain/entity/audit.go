package entity

import "time"

// Audit sobre común de auditoría, compuesto en las entidades persistidas.
// El repositorio lo escribe siempre igual; el actor llega como argumento explícito.
type Audit struct {
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
}

// Touch marca creación (si aún no existe) y modificación.
func (a *Audit) Touch(actor string, now time.Time) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
		a.CreatedBy = actor
	}
	a.UpdatedAt = now
	a.UpdatedBy = actor
}
