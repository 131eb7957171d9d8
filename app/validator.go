package chatsync

import (
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

// key is the dotted config key of the failing field, e.g. websocket.url.
func key(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func translation(enTrans ut.Translator, tag, text string) {
	validate.RegisterTranslation(tag, enTrans, func(ut ut.Translator) error {
		return ut.Add(tag, text, true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T(tag, key(fe), fe.Param())
		return t
	})
}

func init() {
	validate = validator.New()
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	// config keys: the mapstructure name or the lowercased field name
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		if name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ","); name != "" {
			return name
		}
		return strings.ToLower(field.Name)
	})

	translation(enTrans, "required", "{0} is a required field")
	translation(enTrans, "url", "{0} must be a valid URL")
	translation(enTrans, "hostname_port", "{0} must be a valid host:port")
	translation(enTrans, "oneof", "{0} must be one of [{1}]")
	translation(enTrans, "gt", "{0} must be greater than {1}")
	translation(enTrans, "gte", "{0} must be at least {1}")

	validate.RegisterStructValidation(validateTransport, Config{})
}

// validateTransport checks the settings the selected transport and storage
// driver depend on.
func validateTransport(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)
	switch c.Transport {
	case TransportWebSocket:
		if c.WebSocket.URL == "" {
			sl.ReportError(c.WebSocket.URL, "websocket.url", "URL", "required", "")
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			sl.ReportError(c.NATS.URL, "nats.url", "URL", "required", "")
		}
	}
	switch c.Storage.Driver {
	case StorageSQLite:
		if c.Storage.SQLite.File == "" {
			sl.ReportError(c.Storage.SQLite.File, "storage.sqlite.file", "File", "required", "")
		}
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			sl.ReportError(c.Storage.Redis.Addr, "storage.redis.addr", "Addr", "required", "")
		}
	}
}
