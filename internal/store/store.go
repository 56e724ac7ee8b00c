package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stock-service/internal/apperror"
	"stock-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		"SELECT id, sku, name, price, created_at FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("product %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return &product, nil
}

// CreateProduct inserts a catalog entry.
func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	err := s.db.GetContext(ctx, p,
		`INSERT INTO products (sku, name, price) VALUES ($1, $2, $3)
		 RETURNING id, sku, name, price, created_at`,
		p.SKU, p.Name, p.Price)
	if isUniqueViolation(err) {
		return apperror.Validation("product with sku %s already exists", p.SKU)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
