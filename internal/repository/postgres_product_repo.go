package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/dealman/internal/model"
)

// PostgresProductRepo はPostgreSQLを使用した商品リポジトリ。
type PostgresProductRepo struct {
	db *sql.DB
}

// NewPostgresProductRepo はPostgresProductRepoを生成する。
func NewPostgresProductRepo(db *sql.DB) *PostgresProductRepo {
	return &PostgresProductRepo{db: db}
}

const productColumns = `id, name, affiliate_url, image_url,
	        current_price, reference_price, list_price, last_published_price,
	        last_published_at, price_changed_at, publish_requested, publish_due_at,
	        created_at, updated_at`

func scanProduct(scan func(dest ...any) error) (*model.Product, error) {
	p := &model.Product{}
	var lastPublishedAt, priceChangedAt, publishDueAt sql.NullTime

	err := scan(
		&p.ID, &p.Name, &p.AffiliateURL, &p.ImageURL,
		&p.CurrentPrice, &p.ReferencePrice, &p.ListPrice, &p.LastPublishedPrice,
		&lastPublishedAt, &priceChangedAt, &p.PublishRequested, &publishDueAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.LastPublishedAt = nullTimeValue(lastPublishedAt)
	p.PriceChangedAt = nullTimeValue(priceChangedAt)
	p.PublishDueAt = nullTimeValue(publishDueAt)

	return p, nil
}

// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
func (r *PostgresProductRepo) FindByID(ctx context.Context, id string) (*model.Product, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id)

	p, err := scanProduct(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("商品の取得に失敗しました: %w", err)
	}
	return p, nil
}

// Create は商品を作成する。IDが既に存在する場合はPRODUCT_EXISTSエラーを返す。
func (r *PostgresProductRepo) Create(ctx context.Context, product *model.Product) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO products (id, name, affiliate_url, image_url,
		                       current_price, reference_price, list_price, last_published_price,
		                       last_published_at, price_changed_at, publish_requested, publish_due_at,
		                       created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		product.ID, product.Name, product.AffiliateURL, product.ImageURL,
		product.CurrentPrice, product.ReferencePrice, product.ListPrice, product.LastPublishedPrice,
		nullTime(product.LastPublishedAt), nullTime(product.PriceChangedAt),
		product.PublishRequested, nullTime(product.PublishDueAt),
		product.CreatedAt, product.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return model.NewProductExistsError(product.ID)
	}
	if err != nil {
		return fmt.Errorf("商品の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は商品情報を更新する。
func (r *PostgresProductRepo) Update(ctx context.Context, product *model.Product) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE products SET
		    name = $2, affiliate_url = $3, image_url = $4,
		    current_price = $5, reference_price = $6, list_price = $7,
		    last_published_price = $8, last_published_at = $9, price_changed_at = $10,
		    publish_requested = $11, publish_due_at = $12, updated_at = $13
		 WHERE id = $1`,
		product.ID, product.Name, product.AffiliateURL, product.ImageURL,
		product.CurrentPrice, product.ReferencePrice, product.ListPrice,
		product.LastPublishedPrice, nullTime(product.LastPublishedAt), nullTime(product.PriceChangedAt),
		product.PublishRequested, nullTime(product.PublishDueAt), product.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("商品の更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定IDの商品を削除する。
func (r *PostgresProductRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("商品の削除に失敗しました: %w", err)
	}
	return nil
}

// List は全商品をID昇順で返す。
func (r *PostgresProductRepo) List(ctx context.Context) ([]*model.Product, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("商品一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectProducts(rows)
}

// ListBelowReference は現在価格が基準価格を下回る商品を返す。
func (r *PostgresProductRepo) ListBelowReference(ctx context.Context) ([]*model.Product, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products
		 WHERE current_price > 0 AND reference_price > 0 AND current_price < reference_price
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("配信候補商品の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectProducts(rows)
}

// ListDueForManualPublish は手動スケジュール配信の期日が到来した商品を返す。
func (r *PostgresProductRepo) ListDueForManualPublish(ctx context.Context, now time.Time) ([]*model.Product, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products
		 WHERE publish_requested = TRUE AND publish_due_at IS NOT NULL AND publish_due_at <= $1
		 ORDER BY publish_due_at`,
		now)
	if err != nil {
		return nil, fmt.Errorf("手動配信対象商品の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectProducts(rows)
}

// UpdatePrices はフィードから取得した価格を反映する。
func (r *PostgresProductRepo) UpdatePrices(ctx context.Context, id string, current, reference, list float64, priceChanged bool, now time.Time) error {
	var err error
	if priceChanged {
		_, err = r.db.ExecContext(ctx,
			`UPDATE products SET
			    current_price = $2, reference_price = $3, list_price = $4,
			    price_changed_at = $5, updated_at = $5
			 WHERE id = $1`,
			id, current, reference, list, now)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE products SET
			    current_price = $2, reference_price = $3, list_price = $4, updated_at = $5
			 WHERE id = $1`,
			id, current, reference, list, now)
	}
	if err != nil {
		return fmt.Errorf("商品価格の更新に失敗しました: %w", err)
	}
	return nil
}

// MarkPublished は配信完了を商品に反映する。
func (r *PostgresProductRepo) MarkPublished(ctx context.Context, id string, price float64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE products SET
		    last_published_price = $2, last_published_at = $3,
		    publish_requested = FALSE, publish_due_at = NULL, updated_at = $3
		 WHERE id = $1`,
		id, price, at)
	if err != nil {
		return fmt.Errorf("配信完了の記録に失敗しました: %w", err)
	}
	return nil
}

// SetPublishRequest は手動スケジュール配信を予約する。
func (r *PostgresProductRepo) SetPublishRequest(ctx context.Context, id string, dueAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE products SET publish_requested = TRUE, publish_due_at = $2, updated_at = now()
		 WHERE id = $1`,
		id, dueAt)
	if err != nil {
		return fmt.Errorf("手動配信予約の保存に失敗しました: %w", err)
	}
	return nil
}

// CountPriceChangedSince は指定時刻以降に価格変動した商品数を返す。
func (r *PostgresProductRepo) CountPriceChangedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE price_changed_at IS NOT NULL AND price_changed_at >= $1`,
		since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("価格変動商品数の取得に失敗しました: %w", err)
	}
	return count, nil
}

func collectProducts(rows *sql.Rows) ([]*model.Product, error) {
	var products []*model.Product
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("商品行の読み取りに失敗しました: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("商品行の走査に失敗しました: %w", err)
	}
	return products, nil
}

// nullTime は*time.TimeをNULL許容のsql.NullTimeに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullTimeValue はsql.NullTimeを*time.Timeに変換する。
func nullTimeValue(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
