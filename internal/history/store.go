package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/courierd/courier/internal/database"
	"github.com/google/uuid"
)

var ErrEntryNotFound = errors.New("history entry does not exist")

type (
	// Kind identifies which tool produced the history entry.
	Kind string

	// Outcome is the terminal state the job concluded in.
	Outcome string

	entryModel struct {
		ID          uuid.UUID                              `db:"id"`
		Kind        Kind                                   `db:"kind"`
		Label       string                                 `db:"label"`
		Params      database.JsonColumn[map[string]string] `db:"params"`
		Outcome     Outcome                                `db:"outcome"`
		Trouble     string                                 `db:"trouble"`
		BytesTotal  int64                                  `db:"bytes_total"`
		ConcludedAt time.Time                              `db:"concluded_at"`
	}

	// Entry is the external/public API for a history row. Params carries
	// the job parameters (paths, URLs, code phrase, formats) so a client
	// can re-submit a historical job.
	Entry struct {
		ID          uuid.UUID
		Kind        Kind
		Label       string
		Params      map[string]string
		Outcome     Outcome
		Trouble     string
		BytesTotal  int64
		ConcludedAt time.Time
	}

	Store struct{}
)

const (
	KindTransferSend    Kind = "transfer_send"
	KindTransferReceive Kind = "transfer_receive"
	KindDownload        Kind = "download"
	KindConvert         Kind = "convert"

	OutcomeComplete  Outcome = "COMPLETE"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeTroubled  Outcome = "TROUBLED"
)

func NewStore() *Store {
	return &Store{}
}

func (store *Store) Save(db database.Queryable, entry *Entry) error {
	params := entry.Params
	if params == nil {
		params = map[string]string{}
	}

	_, err := db.Exec(`
		INSERT INTO history(id, kind, label, params, outcome, trouble, bytes_total, concluded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, current_timestamp)
	`, entry.ID, entry.Kind, entry.Label, database.NewJsonColumn(params), entry.Outcome, entry.Trouble, entry.BytesTotal)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}

	return nil
}

// List returns history entries ordered most-recent-first. A non-empty kind
// restricts the listing to that kind; a limit of zero means no limit.
func (store *Store) List(db database.Queryable, kind Kind, limit int) ([]*Entry, error) {
	builder := selectEntryBuilder()
	if kind != "" {
		builder = builder.Where("kind=?", kind)
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list history query: %w", err)
	}

	var results []entryModel
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, err
	}

	output := make([]*Entry, len(results))
	for k, v := range results {
		output[k] = entryModelToEntry(&v)
	}

	return output, nil
}

func (store *Store) Get(db database.Queryable, id uuid.UUID) (*Entry, error) {
	query, args, err := selectEntryBuilder().Where("id=?", id).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select history query: %w", err)
	}

	var entry entryModel
	if err := db.Get(&entry, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}

		return nil, fmt.Errorf("failed to fetch history entry %s: %w", id, err)
	}

	return entryModelToEntry(&entry), nil
}

func (store *Store) Delete(db database.Queryable, id uuid.UUID) error {
	result, err := db.Exec(`DELETE FROM history WHERE id = $1`, id)
	if err != nil {
		return err
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrEntryNotFound
	}

	return nil
}

// Prune deletes every entry which concluded before the cutoff provided,
// returning the number of rows removed.
func (store *Store) Prune(db database.Queryable, olderThan time.Time) (int64, error) {
	result, err := db.Exec(`DELETE FROM history WHERE concluded_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func selectEntryBuilder() squirrel.SelectBuilder {
	return squirrel.
		Select("id", "kind", "label", "params", "outcome", "trouble", "bytes_total", "concluded_at").
		From("history").
		OrderBy("concluded_at DESC")
}

func entryModelToEntry(model *entryModel) *Entry {
	params := map[string]string{}
	if p := model.Params.Get(); p != nil {
		params = *p
	}

	return &Entry{
		ID:          model.ID,
		Kind:        model.Kind,
		Label:       model.Label,
		Params:      params,
		Outcome:     model.Outcome,
		Trouble:     model.Trouble,
		BytesTotal:  model.BytesTotal,
		ConcludedAt: model.ConcludedAt,
	}
}
