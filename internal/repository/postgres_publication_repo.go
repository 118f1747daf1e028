package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/dealman/internal/model"
)

// PostgresPublicationRepo はPostgreSQLを使用した配信履歴リポジトリ。
type PostgresPublicationRepo struct {
	db *sql.DB
}

// NewPostgresPublicationRepo はPostgresPublicationRepoを生成する。
func NewPostgresPublicationRepo(db *sql.DB) *PostgresPublicationRepo {
	return &PostgresPublicationRepo{db: db}
}

// Append は配信履歴を追加する。
// 同一商品・同一時刻の試行が既に記録されている場合はON CONFLICTで無視する。
func (r *PostgresPublicationRepo) Append(ctx context.Context, record *model.PublicationRecord) error {
	errorsJSON, err := json.Marshal(record.Errors)
	if err != nil {
		return fmt.Errorf("チャネルエラーのシリアライズに失敗しました: %w", err)
	}
	if record.Errors == nil {
		errorsJSON = []byte("[]")
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO publication_records (id, product_id, product_name, price_at_publish,
		                                  published_at, channels, errors)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (product_id, published_at) DO NOTHING`,
		record.ID, record.ProductID, record.ProductName, record.PriceAtPublish,
		record.PublishedAt, pq.Array(record.Channels), errorsJSON,
	)
	if err != nil {
		return fmt.Errorf("配信履歴の追加に失敗しました: %w", err)
	}
	return nil
}

// ListByProduct は指定商品の配信履歴を新しい順に返す。
// limitが0以下の場合は全件返す。
func (r *PostgresPublicationRepo) ListByProduct(ctx context.Context, productID string, limit int) ([]*model.PublicationRecord, error) {
	query := `SELECT id, product_id, product_name, price_at_publish, published_at, channels, errors
	          FROM publication_records WHERE product_id = $1 ORDER BY published_at DESC`
	args := []any{productID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("配信履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.PublicationRecord
	for rows.Next() {
		rec := &model.PublicationRecord{}
		var channels pq.StringArray
		var errorsJSON []byte

		err := rows.Scan(
			&rec.ID, &rec.ProductID, &rec.ProductName, &rec.PriceAtPublish,
			&rec.PublishedAt, &channels, &errorsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("配信履歴行の読み取りに失敗しました: %w", err)
		}

		rec.Channels = []string(channels)
		if len(errorsJSON) > 0 {
			if err := json.Unmarshal(errorsJSON, &rec.Errors); err != nil {
				return nil, fmt.Errorf("チャネルエラーのデシリアライズに失敗しました: %w", err)
			}
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信履歴行の走査に失敗しました: %w", err)
	}
	return records, nil
}

// DeleteOlderThan は指定時刻より古い配信履歴を削除し、削除件数を返す。
func (r *PostgresPublicationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM publication_records WHERE published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("古い配信履歴の削除に失敗しました: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}
