package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	publishers := flag.Int("publishers", 4, "Number of concurrent publishing clients")
	subscribers := flag.Int("subscribers", 1, "Number of concurrent subscribing clients")
	topicPrefix := flag.String("topic-prefix", "loadgen", "Topic prefix each publisher writes under")
	qos := flag.Int("qos", 0, "QoS level to publish and subscribe at (0, 1, or 2)")
	payloadSize := flag.Int("payload-size", 64, "Random payload size in bytes")
	interval := flag.Duration("interval", 200*time.Millisecond, "Interval between publishes per publisher")
	retain := flag.Bool("retain", false, "Set the retain flag on published messages")

	flag.Parse()

	if *qos < 0 || *qos > 2 {
		log.Fatalf("invalid qos %d: must be 0, 1, or 2", *qos)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var received atomic.Uint64
	var sent atomic.Uint64

	var wg sync.WaitGroup
	for i := 0; i < *subscribers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			runSubscriber(ctx, *brokerAddr, fmt.Sprintf("loadgen-sub-%d-%d", idx, time.Now().UnixNano()), *topicPrefix, byte(*qos), &received)
		}(i)
	}
	for i := 0; i < *publishers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			runPublisher(ctx, *brokerAddr, fmt.Sprintf("loadgen-pub-%d-%d", idx, time.Now().UnixNano()), *topicPrefix, idx, byte(*qos), *payloadSize, *interval, *retain, &sent)
		}(i)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Printf("stopped: sent=%d received=%d", sent.Load(), received.Load())
			return
		case <-ticker.C:
			log.Printf("sent=%d received=%d", sent.Load(), received.Load())
		}
	}
}

func runPublisher(ctx context.Context, broker, clientID, topicPrefix string, idx int, qos byte, payloadSize int, interval time.Duration, retain bool, sent *atomic.Uint64) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID).SetOrderMatters(false)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Printf("publisher %s: connect failed: %v", clientID, token.Error())
		return
	}
	defer client.Disconnect(250)

	topic := fmt.Sprintf("%s/%d", topicPrefix, idx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	payload := make([]byte, payloadSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rand.Read(payload)
			token := client.Publish(topic, qos, retain, payload)
			if qos > 0 {
				token.Wait()
			}
			sent.Add(1)
		}
	}
}

func runSubscriber(ctx context.Context, broker, clientID, topicPrefix string, qos byte, received *atomic.Uint64) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID).SetOrderMatters(false)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Printf("subscriber %s: connect failed: %v", clientID, token.Error())
		return
	}
	defer client.Disconnect(250)

	filter := topicPrefix + "/#"
	handler := func(_ mqtt.Client, _ mqtt.Message) {
		received.Add(1)
	}
	if token := client.Subscribe(filter, qos, handler); token.Wait() && token.Error() != nil {
		log.Printf("subscriber %s: subscribe failed: %v", clientID, token.Error())
		return
	}

	<-ctx.Done()
}
