// Package persist реализует хранение банлиста (C7 Persist).
package persist

import (
	"time"

	"sharewatch/internal/models"
)

// Persist — контракт устойчивого хранения банлиста.
type Persist interface {
	LoadAll() ([]models.BanlistRecord, error)
	Upsert(email string, now time.Time, reason string) error
	Delete(email string) error
	Clear() error
}

// NoOp — реализация по умолчанию, когда хранилище банлиста не настроено.
// Классификатор работает с ней без ветвления на присутствие возможности.
type NoOp struct{}

func (NoOp) LoadAll() ([]models.BanlistRecord, error)             { return nil, nil }
func (NoOp) Upsert(_ string, _ time.Time, _ string) error         { return nil }
func (NoOp) Delete(_ string) error                                { return nil }
func (NoOp) Clear() error                                         { return nil }
