// Package storage archivo de comprobantes autorizados en almacenamiento de objetos.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
)

var _ repository.ArchiveRepository = (*MinIOArchive)(nil)

const (
	metaSaleID     = "Sale-Id"
	metaChecksum   = "Checksum"
	metaAuthNumber = "Authorization-Number"
	metaAuthTime   = "Authorization-Time"
	metaEnv        = "Environment"
	metaArchivedAt = "Archived-At"
)

// MinIOArchive un objeto <prefijo>/<clave>.xml por comprobante; los datos de
// autorización viajan como metadatos del objeto.
type MinIOArchive struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOArchive conecta al endpoint S3 compatible.
func NewMinIOArchive(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinIOArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("cliente minio: %w", err)
	}
	return &MinIOArchive{client: client, bucket: bucket, prefix: "autorizados"}, nil
}

// EnsureBucket crea el bucket si no existe.
func (a *MinIOArchive) EnsureBucket(ctx context.Context) error {
	found, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", a.bucket, err)
	}
	if !found {
		return a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

// Store sube el documento una sola vez. Si ya existe con otro checksum es un
// error de integridad.
func (a *MinIOArchive) Store(ctx context.Context, doc entity.ArchivedDocument) error {
	if doc.Checksum == "" {
		doc.Checksum = entity.Checksum(doc.SignedXML)
	}
	name := objectName(a.prefix, doc.AccessKey)

	info, err := a.client.StatObject(ctx, a.bucket, name, minio.StatObjectOptions{})
	switch {
	case err == nil:
		if lookup(info.UserMetadata, metaChecksum) != doc.Checksum {
			return fmt.Errorf("%w: ya existe otro documento archivado para %s", domain.ErrIntegrity, doc.AccessKey)
		}
		return nil
	case !isNotFound(err):
		return fmt.Errorf("stat %s: %w", name, err)
	}

	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(doc.SignedXML), int64(len(doc.SignedXML)),
		minio.PutObjectOptions{ContentType: "application/xml", UserMetadata: metadataOf(doc)})
	if err != nil {
		return fmt.Errorf("subir %s: %w", name, err)
	}
	return nil
}

// Get devuelve nil, nil si el objeto no existe.
func (a *MinIOArchive) Get(ctx context.Context, accessKey string) (*entity.ArchivedDocument, error) {
	name := objectName(a.prefix, accessKey)
	obj, err := a.client.GetObject(ctx, a.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	blob, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("leer %s: %w", name, err)
	}
	doc := documentOf(accessKey, blob, info.UserMetadata)
	if doc.Checksum != "" && doc.Checksum != entity.Checksum(blob) {
		return nil, fmt.Errorf("%w: checksum del objeto %s no coincide", domain.ErrIntegrity, name)
	}
	return doc, nil
}

func objectName(prefix, accessKey string) string {
	return prefix + "/" + accessKey + ".xml"
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func metadataOf(doc entity.ArchivedDocument) map[string]string {
	return map[string]string{
		metaSaleID:     doc.SaleID,
		metaChecksum:   doc.Checksum,
		metaAuthNumber: doc.AuthorizationNumber,
		metaAuthTime:   doc.AuthorizationTime.UTC().Format(time.RFC3339Nano),
		metaEnv:        doc.Environment,
		metaArchivedAt: doc.ArchivedAt.UTC().Format(time.RFC3339Nano),
	}
}

func documentOf(accessKey string, blob []byte, meta map[string]string) *entity.ArchivedDocument {
	doc := &entity.ArchivedDocument{
		AccessKey:           accessKey,
		SaleID:              lookup(meta, metaSaleID),
		SignedXML:           blob,
		Checksum:            lookup(meta, metaChecksum),
		AuthorizationNumber: lookup(meta, metaAuthNumber),
		Environment:         lookup(meta, metaEnv),
	}
	doc.AuthorizationTime, _ = time.Parse(time.RFC3339Nano, lookup(meta, metaAuthTime))
	doc.ArchivedAt, _ = time.Parse(time.RFC3339Nano, lookup(meta, metaArchivedAt))
	return doc
}

// lookup ignora mayúsculas y el prefijo x-amz-meta- que algunos servidores conservan.
func lookup(meta map[string]string, key string) string {
	for k, v := range meta {
		k = strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
