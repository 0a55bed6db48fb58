// Package library defines the demo record types served by recordstore-api: authors, books,
// and collaborator cursors.
package library

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/recordstore/internal/migrations"
	"github.com/MarcoPoloResearchLab/recordstore/internal/records"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"
)

const (
	TypeAuthor = "author"
	TypeBook   = "book"
	TypeCursor = "cursor"

	// LegacyPrefix names the sequences schemaVersion 1 library snapshots map onto.
	LegacyPrefix = "library"
	bookSequence = LegacyPrefix + "." + TypeBook
)

// Author is the field layout of an author record.
type Author struct {
	Name        string `mapstructure:"name" validate:"required"`
	IsPseudonym bool   `mapstructure:"isPseudonym"`
}

// Book is the field layout of a book record.
type Book struct {
	Title    string `mapstructure:"title" validate:"required"`
	Author   string `mapstructure:"author" validate:"required,startswith=author:"`
	NumPages int    `mapstructure:"numPages" validate:"gte=0"`
}

// Cursor is the field layout of a collaborator's pointer position.
type Cursor struct {
	X float64 `mapstructure:"x"`
	Y float64 `mapstructure:"y"`
}

// Schema registers the library record types.
func Schema() (*records.Schema, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return records.NewSchema(
		records.RecordType{
			Name:      TypeAuthor,
			Scope:     records.ScopeDocument,
			Validator: structValidator[Author](validate),
			Defaults:  func() records.Fields { return records.Fields{"isPseudonym": false} },
		},
		records.RecordType{
			Name:      TypeBook,
			Scope:     records.ScopeDocument,
			Validator: structValidator[Book](validate),
		},
		records.RecordType{
			Name:      TypeCursor,
			Scope:     records.ScopePresence,
			Validator: structValidator[Cursor](validate),
		},
	)
}

// Migrations returns the migration engine for library snapshots.
func Migrations(logger *zap.Logger) (*migrations.Engine, error) {
	return migrations.NewEngine(migrations.Config{
		Sequences: []migrations.Sequence{{
			ID: bookSequence,
			Migrations: []migrations.Migration{{
				ID:         migrations.NewID(bookSequence, 1),
				Scope:      migrations.ScopeRecord,
				RecordType: TypeBook,
				Up:         renamePagesField,
			}},
		}},
		LegacyPrefix: LegacyPrefix,
		Logger:       logger,
	})
}

// renamePagesField moves the legacy "pages" count to "numPages".
func renamePagesField(record records.Record) (records.Record, error) {
	pages, ok := record.Fields["pages"]
	if !ok {
		return record, nil
	}
	delete(record.Fields, "pages")
	if _, exists := record.Fields["numPages"]; !exists {
		record.Fields["numPages"] = pages
	}
	return record, nil
}

// structValidator decodes record fields into T, validates the struct, and stores the
// decoded form so numeric and boolean fields have canonical Go types.
func structValidator[T any](validate *validator.Validate) records.Validator {
	return records.ValidatorFunc(func(candidate records.Record) (records.Record, error) {
		var decoded T
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:      &decoded,
			ErrorUnused: true,
		})
		if err != nil {
			return records.Record{}, err
		}
		if err := decoder.Decode(map[string]any(candidate.Fields)); err != nil {
			return records.Record{}, fmt.Errorf("decode fields: %w", err)
		}
		if err := validate.Struct(decoded); err != nil {
			return records.Record{}, err
		}
		normalized := map[string]any{}
		if err := mapstructure.Decode(decoded, &normalized); err != nil {
			return records.Record{}, fmt.Errorf("encode fields: %w", err)
		}
		return records.Record{ID: candidate.ID, TypeName: candidate.TypeName, Fields: records.Fields(normalized)}, nil
	})
}

// NewAuthor builds an author record with a fresh id.
func NewAuthor(provider records.IDProvider, author Author) (records.Record, error) {
	return newRecord(provider, TypeAuthor, author)
}

// NewBook builds a book record with a fresh id.
func NewBook(provider records.IDProvider, book Book) (records.Record, error) {
	return newRecord(provider, TypeBook, book)
}

func newRecord(provider records.IDProvider, typeName string, value any) (records.Record, error) {
	id, err := records.NewRecordID(provider, typeName)
	if err != nil {
		return records.Record{}, err
	}
	fields := map[string]any{}
	if err := mapstructure.Decode(value, &fields); err != nil {
		return records.Record{}, err
	}
	return records.New(id, typeName, records.Fields(fields)), nil
}
