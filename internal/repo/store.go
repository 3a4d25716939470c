package repo

import "github.com/jackc/pgx/v5/pgxpool"

// Store объединяет репозитории в хранилище движка поверх одного пула.
type Store struct {
	*GraphRepo
	*RunRepo
	*NodeStateRepo
}

// NewStore создаёт Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		GraphRepo:     NewGraphRepo(pool),
		RunRepo:       NewRunRepo(pool),
		NodeStateRepo: NewNodeStateRepo(pool),
	}
}
