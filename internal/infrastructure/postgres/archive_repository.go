package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
)

var _ repository.ArchiveRepository = (*ArchiveRepo)(nil)

// ArchiveRepo comprobantes autorizados en fiscal_archive.
type ArchiveRepo struct {
	q Querier
}

// NewArchiveRepository construye el adaptador. Pasar pool o tx (Querier).
func NewArchiveRepository(q Querier) *ArchiveRepo {
	return &ArchiveRepo{q: q}
}

// Store inserta una sola vez por clave. Repetir el mismo blob no falla.
func (r *ArchiveRepo) Store(ctx context.Context, doc entity.ArchivedDocument) error {
	if doc.Checksum == "" {
		doc.Checksum = entity.Checksum(doc.SignedXML)
	}
	tag, err := r.q.Exec(ctx, `
		INSERT INTO fiscal_archive (access_key, sale_id, signed_xml, checksum, authorization_number,
		    authorization_time, environment, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (access_key) DO NOTHING`,
		doc.AccessKey, doc.SaleID, doc.SignedXML, doc.Checksum, doc.AuthorizationNumber,
		doc.AuthorizationTime.UTC(), doc.Environment, doc.ArchivedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	prev, err := r.Get(ctx, doc.AccessKey)
	if err != nil {
		return err
	}
	if prev == nil || !bytes.Equal(prev.SignedXML, doc.SignedXML) {
		return fmt.Errorf("%w: ya existe otro documento archivado para %s", domain.ErrIntegrity, doc.AccessKey)
	}
	return nil
}

// Get devuelve nil, nil si la clave no está archivada.
func (r *ArchiveRepo) Get(ctx context.Context, accessKey string) (*entity.ArchivedDocument, error) {
	var d entity.ArchivedDocument
	err := r.q.QueryRow(ctx, `
		SELECT access_key, sale_id, signed_xml, checksum, authorization_number, authorization_time,
		    environment, archived_at
		FROM fiscal_archive WHERE access_key = $1`, accessKey).
		Scan(&d.AccessKey, &d.SaleID, &d.SignedXML, &d.Checksum, &d.AuthorizationNumber,
			&d.AuthorizationTime, &d.Environment, &d.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get archive: %w", err)
	}
	return &d, nil
}
