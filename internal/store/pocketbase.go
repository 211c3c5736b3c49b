package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"consult-system/internal/status"
	"consult-system/models"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"
)

const (
	CollectionProviders     = "providers"
	CollectionConsultations = "consultations"
	CollectionBillingTicks  = "billing_ticks"
	CollectionMessages      = "messages"
)

// PocketBaseStore maps domain values onto PocketBase records. Domain ids are
// uuids, which do not fit the record id pattern, so every collection carries
// them in a unique "ref" field.
type PocketBaseStore struct {
	app core.App
}

func NewPocketBaseStore(app core.App) *PocketBaseStore {
	return &PocketBaseStore{app: app}
}

func (s *PocketBaseStore) SaveConsultation(_ context.Context, c models.Consultation) error {
	record, err := s.findOrNew(CollectionConsultations, c.ID)
	if err != nil {
		return err
	}

	record.Set("ref", c.ID)
	record.Set("user_ref", c.UserID)
	record.Set("provider_ref", c.ProviderID)
	record.Set("status", string(c.Status))
	record.Set("rate_per_minute", c.RatePerMinute.InexactFloat64())
	record.Set("currency", c.Currency)
	record.Set("duration_minutes", c.DurationMinutesAllotted)
	record.Set("joined_at", c.JoinedAt)
	record.Set("started_at", timeOrEmpty(c.StartedAt))
	record.Set("ended_at", timeOrEmpty(c.EndedAt))
	record.Set("end_reason", string(c.EndReason))
	record.Set("billed_minutes", c.BilledMinutes)
	if c.QueuePosition != nil {
		record.Set("queue_position", *c.QueuePosition)
	} else {
		record.Set("queue_position", 0)
	}

	if err := s.app.Save(record); err != nil {
		return fmt.Errorf("save consultation %s: %w", c.ID, err)
	}
	return nil
}

func (s *PocketBaseStore) ListOpenConsultations(_ context.Context) ([]models.Consultation, error) {
	records, err := s.app.FindRecordsByFilter(
		CollectionConsultations,
		"status != {:ended}",
		"joined_at",
		0,
		0,
		dbx.Params{"ended": string(models.StatusEnded)},
	)
	if err != nil {
		return nil, fmt.Errorf("list open consultations: %w", err)
	}

	out := make([]models.Consultation, 0, len(records))
	for _, r := range records {
		out = append(out, consultationFromRecord(r))
	}
	return out, nil
}

func (s *PocketBaseStore) AppendBillingTick(_ context.Context, tick models.BillingTick) error {
	collection, err := s.app.FindCollectionByNameOrId(CollectionBillingTicks)
	if err != nil {
		return err
	}

	record := core.NewRecord(collection)
	record.Set("consultation_ref", tick.ConsultationID)
	record.Set("provider_ref", tick.ProviderID)
	record.Set("user_ref", tick.UserID)
	record.Set("minute_index", tick.MinuteIndex)
	record.Set("amount_debited", tick.AmountDebited.InexactFloat64())
	record.Set("wallet_balance_after", tick.WalletBalanceAfter.InexactFloat64())
	record.Set("created_at", tick.CreatedAt)

	if err := s.app.Save(record); err != nil {
		return fmt.Errorf("append billing tick %s/%d: %w", tick.ConsultationID, tick.MinuteIndex, err)
	}
	return nil
}

func (s *PocketBaseStore) BillingTicks(_ context.Context, consultationID string) ([]models.BillingTick, error) {
	var records []*core.Record
	err := s.app.RecordQuery(CollectionBillingTicks).
		AndWhere(dbx.HashExp{"consultation_ref": consultationID}).
		OrderBy("minute_index ASC").
		All(&records)
	if err != nil {
		return nil, fmt.Errorf("billing ticks %s: %w", consultationID, err)
	}

	out := make([]models.BillingTick, 0, len(records))
	for _, r := range records {
		out = append(out, models.BillingTick{
			ConsultationID:     r.GetString("consultation_ref"),
			ProviderID:         r.GetString("provider_ref"),
			UserID:             r.GetString("user_ref"),
			MinuteIndex:        r.GetInt("minute_index"),
			AmountDebited:      decimal.NewFromFloat(r.GetFloat("amount_debited")),
			WalletBalanceAfter: decimal.NewFromFloat(r.GetFloat("wallet_balance_after")),
			CreatedAt:          r.GetDateTime("created_at").Time(),
		})
	}
	return out, nil
}

func (s *PocketBaseStore) PersistMessage(_ context.Context, m models.Message) error {
	collection, err := s.app.FindCollectionByNameOrId(CollectionMessages)
	if err != nil {
		return err
	}
	record := core.NewRecord(collection)
	setMessage(record, m)
	if err := s.app.Save(record); err != nil {
		return fmt.Errorf("persist message %s: %w", m.ID, err)
	}
	return nil
}

func (s *PocketBaseStore) GetMessage(_ context.Context, id string) (models.Message, error) {
	record, err := s.app.FindFirstRecordByData(CollectionMessages, "ref", id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, status.ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return messageFromRecord(record), nil
}

func (s *PocketBaseStore) UpdateMessage(_ context.Context, m models.Message) error {
	record, err := s.app.FindFirstRecordByData(CollectionMessages, "ref", m.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return status.ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	setMessage(record, m)
	return s.app.Save(record)
}

func (s *PocketBaseStore) Provider(_ context.Context, id string) (models.Provider, error) {
	record, err := s.app.FindFirstRecordByData(CollectionProviders, "ref", id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Provider{}, status.ErrProviderNotFound
	}
	if err != nil {
		return models.Provider{}, err
	}
	return models.Provider{
		ID:            record.GetString("ref"),
		Name:          record.GetString("name"),
		RatePerMinute: decimal.NewFromFloat(record.GetFloat("rate_per_minute")),
		Currency:      record.GetString("currency"),
		Available:     record.GetBool("available"),
	}, nil
}

func (s *PocketBaseStore) SetProviderAvailability(_ context.Context, id string, available bool) error {
	record, err := s.app.FindFirstRecordByData(CollectionProviders, "ref", id)
	if errors.Is(err, sql.ErrNoRows) {
		return status.ErrProviderNotFound
	}
	if err != nil {
		return err
	}
	record.Set("available", available)
	return s.app.Save(record)
}

func (s *PocketBaseStore) findOrNew(collectionName, ref string) (*core.Record, error) {
	record, err := s.app.FindFirstRecordByData(collectionName, "ref", ref)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	collection, err := s.app.FindCollectionByNameOrId(collectionName)
	if err != nil {
		return nil, err
	}
	return core.NewRecord(collection), nil
}

func consultationFromRecord(r *core.Record) models.Consultation {
	c := models.Consultation{
		ID:                      r.GetString("ref"),
		UserID:                  r.GetString("user_ref"),
		ProviderID:              r.GetString("provider_ref"),
		Status:                  models.Status(r.GetString("status")),
		RatePerMinute:           decimal.NewFromFloat(r.GetFloat("rate_per_minute")),
		Currency:                r.GetString("currency"),
		DurationMinutesAllotted: r.GetInt("duration_minutes"),
		JoinedAt:                r.GetDateTime("joined_at").Time(),
		EndReason:               models.EndReason(r.GetString("end_reason")),
		BilledMinutes:           r.GetInt("billed_minutes"),
	}
	if dt := r.GetDateTime("started_at"); !dt.IsZero() {
		t := dt.Time()
		c.StartedAt = &t
	}
	if dt := r.GetDateTime("ended_at"); !dt.IsZero() {
		t := dt.Time()
		c.EndedAt = &t
	}
	if pos := r.GetInt("queue_position"); pos > 0 {
		c.QueuePosition = &pos
	}
	return c
}

func setMessage(record *core.Record, m models.Message) {
	record.Set("ref", m.ID)
	record.Set("consultation_ref", m.ConsultationID)
	record.Set("sender_ref", m.SenderID)
	record.Set("text", m.Text)
	record.Set("created_at", m.CreatedAt)
	record.Set("edited_at", timeOrEmpty(m.EditedAt))
	record.Set("deleted_for_all", m.DeletedForAll)
	record.Set("hidden_for", setKeys(m.HiddenFor))
	record.Set("read_by", setKeys(m.ReadBy))
}

func messageFromRecord(r *core.Record) models.Message {
	m := models.Message{
		ID:             r.GetString("ref"),
		ConsultationID: r.GetString("consultation_ref"),
		SenderID:       r.GetString("sender_ref"),
		Text:           r.GetString("text"),
		CreatedAt:      r.GetDateTime("created_at").Time(),
		DeletedForAll:  r.GetBool("deleted_for_all"),
		HiddenFor:      map[string]bool{},
		ReadBy:         map[string]bool{},
	}
	if dt := r.GetDateTime("edited_at"); !dt.IsZero() {
		t := dt.Time()
		m.EditedAt = &t
	}

	var hidden, read []string
	_ = r.UnmarshalJSONField("hidden_for", &hidden)
	_ = r.UnmarshalJSONField("read_by", &read)
	for _, id := range hidden {
		m.HiddenFor[id] = true
	}
	for _, id := range read {
		m.ReadBy[id] = true
	}
	return m
}

func setKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k, v := range set {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func timeOrEmpty(t *time.Time) any {
	if t == nil {
		return ""
	}
	return *t
}
