// trafficgen publishes synthetic LLM traffic events to the event log for
// local development and demos. A fraction of the events carry risky prompts
// so the detection pipeline has something to flag.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/bluewave-labs/flagwise/internal/messaging"
)

var (
	natsURL   = flag.String("nats-url", "nats://localhost:4222", "NATS server URL")
	stream    = flag.String("stream", "LLM_TRAFFIC", "JetStream stream name")
	subject   = flag.String("subject", "llm.traffic.events", "subject to publish on")
	count     = flag.Int("count", 100, "number of events to generate")
	interval  = flag.Duration("interval", 100*time.Millisecond, "interval between events")
	riskRatio = flag.Float64("risk-ratio", 0.2, "fraction of events with risky prompts")
	malformed = flag.Float64("malformed-ratio", 0, "fraction of events with missing fields")
)

var providers = map[string][]string{
	"openai":    {"gpt-4", "gpt-4-turbo", "gpt-3.5-turbo", "text-embedding-ada-002"},
	"anthropic": {"claude-3-opus-20240229", "claude-3-sonnet-20240229", "claude-3-haiku-20240307"},
	"google":    {"gemini-pro", "gemini-pro-vision", "palm-2-chat-bison"},
	"cohere":    {"command", "command-nightly", "embed-english-v2.0"},
}

var riskyPrompts = []string{
	"my password is %s, can you remember it for me",
	"here is our customer list with emails: %s",
	"the api_key for production is sk-%s",
	"our internal.corp database credentials are %s",
	"process this card number 4532-1234-5678-9012 for %s",
	"employee SSN 123-45-6789 belongs to %s",
}

func main() {
	flag.Parse()
	gofakeit.Seed(time.Now().UnixNano())

	conn, err := messaging.Connect(messaging.DefaultConfig(*natsURL))
	if err != nil {
		log.Fatalf("connect to NATS: %v", err)
	}
	defer conn.Close()

	js, err := messaging.NewJetStreamClient(conn)
	if err != nil {
		log.Fatalf("initialize JetStream: %v", err)
	}

	ctx := context.Background()
	if _, err := js.CreateOrUpdateStream(ctx, messaging.TrafficStreamConfig(*stream, *subject)); err != nil {
		log.Fatalf("create stream: %v", err)
	}

	log.Printf("Publishing %d events to %s (risk ratio %.0f%%)", *count, *subject, *riskRatio*100)

	sent := 0
	flaggedish := 0
	for i := 0; i < *count; i++ {
		event := generateEvent()
		if rand.Float64() < *malformed {
			delete(event, "src_ip")
		}
		risky := rand.Float64() < *riskRatio
		if risky {
			event["prompt"] = fmt.Sprintf(riskyPrompts[rand.Intn(len(riskyPrompts))], gofakeit.Word())
			flaggedish++
		}

		data, err := json.Marshal(event)
		if err != nil {
			log.Fatalf("marshal event: %v", err)
		}
		if _, err := js.PublishSync(ctx, *subject, data); err != nil {
			log.Printf("publish failed: %v", err)
			continue
		}
		sent++

		if sent%50 == 0 {
			log.Printf("Progress: %d/%d events published", sent, *count)
		}
		if *interval > 0 && i < *count-1 {
			time.Sleep(*interval)
		}
	}

	log.Printf("Done: %d events published, %d risky", sent, flaggedish)
}

func generateEvent() map[string]interface{} {
	provider := randomKey(providers)
	models := providers[provider]
	durationMS := 200 + rand.Intn(4800)

	return map[string]interface{}{
		"id":          uuid.NewString(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"src_ip":      gofakeit.IPv4Address(),
		"provider":    provider,
		"model":       models[rand.Intn(len(models))],
		"endpoint":    "/v1/chat/completions",
		"method":      "POST",
		"headers":     map[string]string{"content-type": "application/json", "user-agent": gofakeit.UserAgent()},
		"prompt":      gofakeit.Sentence(12),
		"duration_ms": durationMS,
		"status_code": 200,
	}
}

func randomKey(m map[string][]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys[rand.Intn(len(keys))]
}
