package export

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// NewFromConfig builds a Queue from the export.* config section.
// export.type: kafka|redis|noop (default noop).
func NewFromConfig(v *viper.Viper) Queue {
	switch t := v.GetString("export.type"); t {
	case "kafka":
		brokers := strings.Split(v.GetString("export.kafka_brokers"), ",")
		slog.Info("event export: kafka", "brokers", brokers)
		return NewKafka(brokers, v.GetString("export.kafka_topic"))
	case "redis":
		url := v.GetString("export.redis_url")
		slog.Info("event export: redis stream", "url", url)
		return NewRedis(url, v.GetString("export.redis_stream"), v.GetInt64("export.redis_maxlen"))
	case "", "noop":
		return NewNoop()
	default:
		slog.Warn("event export: unsupported type, using noop", "type", t)
		return NewNoop()
	}
}
