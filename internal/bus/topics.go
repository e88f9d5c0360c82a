package bus

import "strings"

// Internal namespace topics used by strategies inside the host process.
const (
	InternalMarketData   = "internal:market-data"
	InternalSignal       = "internal:signal"
	InternalBarAck       = "internal:bar:ack"
	InternalHistRequest  = "internal:historical-data:request"
	InternalHistResponse = "internal:historical-data:response"
	InternalPosition     = "internal:position:update"
	InternalReady        = "internal:session:ready"
	InternalStop         = "internal:session:stop"
)

// External namespace topics used by the backtest driver. Signal, ack,
// response, position, ready, and stop topics are additionally scoped per bot.
const (
	ExternalMarketData  = "external:market-data"
	ExternalHistRequest = "external:historical-data:request"
)

// ExternalSignal returns the per-bot signal topic.
func ExternalSignal(botID string) string { return "external:signal:" + botID }

// ExternalBarAck returns the per-bot bar acknowledgment topic.
func ExternalBarAck(botID string) string { return "external:bar:ack:" + botID }

// ExternalHistResponse returns the per-bot bootstrap response topic.
func ExternalHistResponse(botID string) string {
	if botID == "" {
		return "external:historical-data:response"
	}
	return "external:historical-data:response:" + botID
}

// ExternalPosition returns the per-bot position update topic.
func ExternalPosition(botID string) string { return "external:position:update:" + botID }

// ExternalReady returns the per-bot readiness topic.
func ExternalReady(botID string) string { return "external:session:ready:" + botID }

// ExternalStop returns the per-bot stop topic.
func ExternalStop(botID string) string { return "external:session:stop:" + botID }

// subscribeTopic is the broker control topic carrying subscription patterns.
const subscribeTopic = "_bus:subscribe"

// MatchTopic reports whether a topic matches a subscription pattern. Patterns
// are exact topics, or prefixes ending in "*" ("internal:*").
func MatchTopic(pattern, topic string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return pattern == topic
}
