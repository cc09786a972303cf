// Package config holds the typed settings shared by the extraction and
// submission clients. Settings are loaded once at startup and never mutated.
package config

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/stvlynn/easyreceipt/internal/document"
)

const (
	DefaultDifyURL        = "https://api.dify.ai/"
	DefaultFeishuURL      = "https://open.feishu.cn"
	DefaultExtractTimeout = 120 * time.Second
	DefaultSubmitTimeout  = 30 * time.Second
)

// Extraction configures the document-understanding workflow service
type Extraction struct {
	BaseURL string
	APIKey  string `validate:"required" setting:"dify-key"`
	Timeout time.Duration
}

// Submission configures the tabular store
type Submission struct {
	APIKey   string
	AppToken string
	TableIDs map[document.Kind]string
	Timeout  time.Duration
}

// Settings is the process-wide configuration
type Settings struct {
	Extraction Extraction
	Submission Submission
}

// TableSetting names the setting that holds the table id for kind
func TableSetting(kind document.Kind) string {
	switch kind {
	case document.DeliveryReceipt:
		return "feishu-delivery-table"
	case document.TrainTicket:
		return "feishu-train-table"
	}
	return "feishu-" + strings.ToLower(string(kind)) + "-table"
}

// WithDefaults fills unset optional values
func (s Settings) WithDefaults() Settings {
	if s.Extraction.BaseURL == "" {
		s.Extraction.BaseURL = DefaultDifyURL
	}
	if s.Extraction.Timeout == 0 {
		s.Extraction.Timeout = DefaultExtractTimeout
	}
	if s.Submission.Timeout == 0 {
		s.Submission.Timeout = DefaultSubmitTimeout
	}
	if s.Submission.TableIDs == nil {
		s.Submission.TableIDs = map[document.Kind]string{}
	}
	return s
}

// Destination is the resolved set of values needed to write one record
type Destination struct {
	APIKey   string `validate:"required" setting:"feishu-key"`
	AppToken string `validate:"required" setting:"feishu-app-token"`
	TableID  string `validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report the user-facing setting name instead of the Go field name
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("setting"); name != "" {
			return name
		}
		return fld.Name
	})
	return v
}

// Destination resolves the table for kind. A ConfigurationMissing error names
// every absent setting.
func (s Submission) Destination(kind document.Kind) (Destination, error) {
	dst := Destination{
		APIKey:   strings.TrimSpace(s.APIKey),
		AppToken: strings.TrimSpace(s.AppToken),
		TableID:  strings.TrimSpace(s.TableIDs[kind]),
	}
	if missing := missingSettings(dst, kind); len(missing) > 0 {
		return Destination{}, document.NewConfigError(missing...)
	}
	return dst, nil
}

// Check reports a ConfigurationMissing error when the extraction API key is absent
func (e Extraction) Check() error {
	e.APIKey = strings.TrimSpace(e.APIKey)
	if missing := missingSettings(e, ""); len(missing) > 0 {
		return document.NewConfigError(missing...)
	}
	return nil
}

func missingSettings(v any, kind document.Kind) []string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if name == "TableID" {
			name = TableSetting(kind)
		}
		missing = append(missing, name)
	}
	return missing
}
