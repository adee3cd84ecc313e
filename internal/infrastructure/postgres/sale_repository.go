package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/jhoicas/fiscal-sri/internal/domain"
	"github.com/jhoicas/fiscal-sri/internal/domain/entity"
	"github.com/jhoicas/fiscal-sri/internal/domain/repository"
	"github.com/jhoicas/fiscal-sri/pkg/money"
	"github.com/jhoicas/fiscal-sri/pkg/sri"
)

var _ repository.SaleRepository = (*SaleRepo)(nil)

// SaleRepo ventas en sales + sale_lines.
type SaleRepo struct {
	db DB
	tx *TxRunner
}

// NewSaleRepository construye el adaptador.
func NewSaleRepository(db DB) *SaleRepo {
	return &SaleRepo{db: db, tx: NewTxRunner(db)}
}

// taxGroupRow forma JSONB de un grupo de impuesto.
type taxGroupRow struct {
	TaxKind  string `json:"tax_kind"`
	RateCode string `json:"rate_code"`
	Percent  string `json:"percent"`
	Base     string `json:"base"`
	Tax      string `json:"tax"`
}

const upsertSale = `
		INSERT INTO sales (id, kind, issuer_tax_id, customer_id_kind, customer_id_number, customer_legal_name,
		    customer_address, customer_email, issue_date, establishment, emission_point, sequential, access_key,
		    currency, payment_method, net_sum, discount_sum, tax_sum, gross_total, tax_groups, additional, state,
		    authorization_number, authorization_time, last_messages, created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22,
		    $23, $24, $25, $26, $26, $27, $27)
		ON CONFLICT (id) DO UPDATE
		SET kind = EXCLUDED.kind, issuer_tax_id = EXCLUDED.issuer_tax_id,
		    customer_id_kind = EXCLUDED.customer_id_kind, customer_id_number = EXCLUDED.customer_id_number,
		    customer_legal_name = EXCLUDED.customer_legal_name, customer_address = EXCLUDED.customer_address,
		    customer_email = EXCLUDED.customer_email, issue_date = EXCLUDED.issue_date,
		    establishment = EXCLUDED.establishment, emission_point = EXCLUDED.emission_point,
		    sequential = EXCLUDED.sequential, access_key = EXCLUDED.access_key, currency = EXCLUDED.currency,
		    payment_method = EXCLUDED.payment_method, net_sum = EXCLUDED.net_sum,
		    discount_sum = EXCLUDED.discount_sum, tax_sum = EXCLUDED.tax_sum, gross_total = EXCLUDED.gross_total,
		    tax_groups = EXCLUDED.tax_groups, additional = EXCLUDED.additional, state = EXCLUDED.state,
		    authorization_number = EXCLUDED.authorization_number,
		    authorization_time = EXCLUDED.authorization_time, last_messages = EXCLUDED.last_messages,
		    updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`

const insertSaleLine = `
		INSERT INTO sale_lines (sale_id, position, product_code, description, quantity, unit_price, discount,
		    tax_rate_code, tax_kind, tax_percent, net, tax, gross)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// Save persiste cabecera, líneas y totales en una transacción.
func (r *SaleRepo) Save(ctx context.Context, sale *entity.Sale, actor string) error {
	if sale.ID == "" {
		sale.ID = uuid.New().String()
	}
	groups, additional, messages, err := saleJSON(sale)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	return r.tx.Run(ctx, func(q Querier) error {
		var (
			prevState string
			createdAt time.Time
			createdBy string
		)
		err := q.QueryRow(ctx, `SELECT state, created_at, created_by FROM sales WHERE id = $1 FOR UPDATE`, sale.ID).
			Scan(&prevState, &createdAt, &createdBy)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			sale.Audit.CreatedAt, sale.Audit.CreatedBy = time.Time{}, ""
		case err != nil:
			return fmt.Errorf("lock sale: %w", err)
		case entity.SaleState(prevState).Frozen():
			return fmt.Errorf("%w: venta %s", domain.ErrSaleFrozen, sale.ID)
		default:
			sale.Audit.CreatedAt, sale.Audit.CreatedBy = createdAt, createdBy
		}
		sale.Audit.Touch(actor, now)

		_, err = q.Exec(ctx, upsertSale,
			sale.ID, string(sale.Kind), sale.IssuerTaxID, string(sale.Customer.IDKind), sale.Customer.IDNumber,
			sale.Customer.LegalName, sale.Customer.Address, sale.Customer.Email, sale.IssueDate,
			sale.Establishment, sale.EmissionPoint, nullIfEmpty(sale.Sequential), nullIfEmpty(sale.AccessKey),
			sale.Currency, sale.PaymentMethod, sale.Totals.NetSum.Decimal(), sale.Totals.DiscountSum.Decimal(),
			sale.Totals.TaxSum.Decimal(), sale.Totals.GrossTotal.Decimal(), groups, additional, string(sale.State),
			sale.AuthorizationNumber, utcPtr(sale.AuthorizationTime), messages, actor, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateAccessKey, sale.AccessKey)
			}
			return fmt.Errorf("upsert sale: %w", err)
		}
		if _, err := q.Exec(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, sale.ID); err != nil {
			return fmt.Errorf("delete sale lines: %w", err)
		}
		for i, l := range sale.Lines {
			if _, err := q.Exec(ctx, insertSaleLine,
				sale.ID, i+1, l.ProductCode, l.Description, l.Quantity.Decimal(), l.UnitPrice.Decimal(),
				l.Discount.Decimal(), l.TaxRateCode, l.TaxKind, l.TaxPercent.Decimal(),
				l.Net.Decimal(), l.Tax.Decimal(), l.Gross.Decimal(),
			); err != nil {
				return fmt.Errorf("insert sale line %d: %w", i+1, err)
			}
		}
		return nil
	})
}

const selectSale = `
		SELECT id, kind, issuer_tax_id, customer_id_kind, customer_id_number, customer_legal_name,
		    customer_address, customer_email, issue_date, establishment, emission_point, sequential, access_key,
		    currency, payment_method, net_sum, discount_sum, tax_sum, gross_total, tax_groups, additional, state,
		    authorization_number, authorization_time, last_messages, created_by, updated_by, created_at, updated_at, deleted
		FROM sales`

// GetByID devuelve nil, nil si la venta no existe.
func (r *SaleRepo) GetByID(ctx context.Context, id string) (*entity.Sale, error) {
	return r.getOne(ctx, selectSale+` WHERE id = $1`, id)
}

// GetByAccessKey devuelve nil, nil si no hay venta con esa clave.
func (r *SaleRepo) GetByAccessKey(ctx context.Context, accessKey string) (*entity.Sale, error) {
	return r.getOne(ctx, selectSale+` WHERE access_key = $1`, accessKey)
}

func (r *SaleRepo) getOne(ctx context.Context, query, arg string) (*entity.Sale, error) {
	sale, err := scanSale(r.db.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sale: %w", err)
	}
	if sale.Lines, err = r.lines(ctx, sale.ID); err != nil {
		return nil, err
	}
	return sale, nil
}

func (r *SaleRepo) lines(ctx context.Context, saleID string) ([]entity.SaleLine, error) {
	rows, err := r.db.Query(ctx, `
		SELECT product_code, description, quantity, unit_price, discount, tax_rate_code, tax_kind,
		    tax_percent, net, tax, gross
		FROM sale_lines WHERE sale_id = $1 ORDER BY position`, saleID)
	if err != nil {
		return nil, fmt.Errorf("get sale lines: %w", err)
	}
	defer rows.Close()

	var out []entity.SaleLine
	for rows.Next() {
		var (
			l                                          entity.SaleLine
			qty, price, disc, percent, net, tax, gross decimal.Decimal
		)
		if err := rows.Scan(&l.ProductCode, &l.Description, &qty, &price, &disc, &l.TaxRateCode, &l.TaxKind,
			&percent, &net, &tax, &gross); err != nil {
			return nil, fmt.Errorf("scan sale line: %w", err)
		}
		var errs []error
		conv := func(dst *money.Money, d decimal.Decimal, scale int32) {
			m, err := amount(d, scale)
			errs = append(errs, err)
			*dst = m
		}
		conv(&l.Quantity, qty, money.MaxScale)
		conv(&l.UnitPrice, price, money.MaxScale)
		conv(&l.Discount, disc, money.AmountScale)
		conv(&l.TaxPercent, percent, money.AmountScale)
		conv(&l.Net, net, money.AmountScale)
		conv(&l.Tax, tax, money.AmountScale)
		conv(&l.Gross, gross, money.AmountScale)
		if err := errors.Join(errs...); err != nil {
			return nil, fmt.Errorf("línea de venta %s: %w", saleID, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanSale(row pgx.Row) (*entity.Sale, error) {
	var (
		s                            entity.Sale
		kind, idKind, state          string
		sequential, accessKey        *string
		netSum, discSum, taxSum, tot decimal.Decimal
		groups, additional, messages []byte
	)
	if err := row.Scan(&s.ID, &kind, &s.IssuerTaxID, &idKind, &s.Customer.IDNumber, &s.Customer.LegalName,
		&s.Customer.Address, &s.Customer.Email, &s.IssueDate, &s.Establishment, &s.EmissionPoint,
		&sequential, &accessKey, &s.Currency, &s.PaymentMethod, &netSum, &discSum, &taxSum, &tot,
		&groups, &additional, &state, &s.AuthorizationNumber, &s.AuthorizationTime, &messages,
		&s.CreatedBy, &s.UpdatedBy, &s.CreatedAt, &s.UpdatedAt, &s.Deleted); err != nil {
		return nil, err
	}
	s.Kind = sri.DocumentKind(kind)
	s.Customer.IDKind = sri.IDKind(idKind)
	s.State = entity.SaleState(state)
	s.Sequential = fromNull(sequential)
	s.AccessKey = fromNull(accessKey)

	var errs []error
	conv := func(dst *money.Money, d decimal.Decimal) {
		m, err := amount(d, money.AmountScale)
		errs = append(errs, err)
		*dst = m
	}
	conv(&s.Totals.NetSum, netSum)
	conv(&s.Totals.DiscountSum, discSum)
	conv(&s.Totals.TaxSum, taxSum)
	conv(&s.Totals.GrossTotal, tot)

	var rows []taxGroupRow
	errs = append(errs, json.Unmarshal(groups, &rows))
	for _, g := range rows {
		tg := entity.TaxGroup{TaxKind: g.TaxKind, RateCode: g.RateCode}
		var err error
		if tg.Percent, err = money.FromString(g.Percent, money.AmountScale); err != nil {
			errs = append(errs, err)
		}
		if tg.Base, err = money.FromString(g.Base, money.AmountScale); err != nil {
			errs = append(errs, err)
		}
		if tg.Tax, err = money.FromString(g.Tax, money.AmountScale); err != nil {
			errs = append(errs, err)
		}
		s.Totals.TaxGroups = append(s.Totals.TaxGroups, tg)
	}
	if len(additional) > 0 {
		errs = append(errs, json.Unmarshal(additional, &s.Additional))
	}
	if len(messages) > 0 {
		errs = append(errs, json.Unmarshal(messages, &s.LastServiceMessages))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("decodificar venta %s: %w", s.ID, err)
	}
	return &s, nil
}

func saleJSON(sale *entity.Sale) (groups, additional, messages []byte, err error) {
	rows := make([]taxGroupRow, 0, len(sale.Totals.TaxGroups))
	for _, g := range sale.Totals.TaxGroups {
		rows = append(rows, taxGroupRow{
			TaxKind:  g.TaxKind,
			RateCode: g.RateCode,
			Percent:  g.Percent.String(),
			Base:     g.Base.String(),
			Tax:      g.Tax.String(),
		})
	}
	add := sale.Additional
	if add == nil {
		add = []entity.AdditionalField{}
	}
	msgs := sale.LastServiceMessages
	if msgs == nil {
		msgs = []entity.ServiceMessage{}
	}
	if groups, err = json.Marshal(rows); err != nil {
		return nil, nil, nil, err
	}
	if additional, err = json.Marshal(add); err != nil {
		return nil, nil, nil, err
	}
	if messages, err = json.Marshal(msgs); err != nil {
		return nil, nil, nil, err
	}
	return groups, additional, messages, nil
}

// UpdateStatus solo escribe estado, autorización y últimos mensajes, validando la transición.
func (r *SaleRepo) UpdateStatus(ctx context.Context, id string, upd repository.SaleStatusUpdate) error {
	return r.tx.Run(ctx, func(q Querier) error {
		var state string
		err := q.QueryRow(ctx, `SELECT state FROM sales WHERE id = $1 FOR UPDATE`, id).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: venta %s", domain.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("lock sale: %w", err)
		}
		current := entity.SaleState(state)
		if !entity.CanTransition(current, upd.State) {
			return fmt.Errorf("%w: venta %s de %s a %s", domain.ErrIllegalTransition, id, current, upd.State)
		}
		var messages []byte
		if upd.Messages != nil {
			if messages, err = json.Marshal(upd.Messages); err != nil {
				return err
			}
		}
		_, err = q.Exec(ctx, `
		UPDATE sales
		SET state                = $2,
		    authorization_number = COALESCE(NULLIF($3, ''), authorization_number),
		    authorization_time   = COALESCE($4, authorization_time),
		    last_messages        = COALESCE($5, last_messages),
		    updated_at           = now()
		WHERE id = $1`,
			id, string(upd.State), upd.AuthorizationNumber, utcPtr(upd.AuthorizationTime), messages)
		if err != nil {
			return fmt.Errorf("update sale status: %w", err)
		}
		return nil
	})
}
