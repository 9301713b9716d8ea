package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/securechat/pkg/client"
	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
	"github.com/aeolun/securechat/pkg/transport"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

// rttPrefix marks the direct messages a bot sends itself to measure round trips
const rttPrefix = "rtt:"

var loremWords = strings.Fields(loremIpsum)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// generateUsername glues fragments of two random words to the bot id so names
// stay unique and inside the server's name rules
func generateUsername(id int) string {
	fragment := func() string {
		word := strings.Trim(strings.ToLower(loremWords[rand.Intn(len(loremWords))]), ".,")
		n := 3 + rand.Intn(3)
		if n > len(word) {
			n = len(word)
		}
		return word[:n]
	}

	name := fmt.Sprintf("%s%s%d", fragment(), fragment(), id)
	if len(name) > 20 {
		name = name[len(name)-20:]
	}
	return name
}

func randomMessage() string {
	n := 5 + rand.Intn(20)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	messagesDelivered atomic.Int64
	totalRoundTrip    atomic.Int64 // in microseconds
	roundTrips        atomic.Int64
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	// Connect phase failure breakdown
	connectFailed         atomic.Int64
	nameRejected          atomic.Int64
	joinFailed            atomic.Int64
	setupTimeouts         atomic.Int64
	unexpectedDisconnects atomic.Int64
	serverErrors          atomic.Int64
}

func (s *Stats) recordRoundTrip(d time.Duration) {
	s.roundTrips.Add(1)
	s.totalRoundTrip.Add(d.Microseconds())
}

func (s *Stats) snapshot() (posted, delivered, failed, connErrors int64, avgRoundTripUs float64) {
	posted = s.messagesPosted.Load()
	delivered = s.messagesDelivered.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if n := s.roundTrips.Load(); n > 0 {
		avgRoundTripUs = float64(s.totalRoundTrip.Load()) / float64(n)
	}
	return
}

var errSetupTimeout = errors.New("timed out waiting for server reply")

// BotClient is one simulated user
type BotClient struct {
	id       int
	nickname string
	channel  string
	client   *client.Client
	stats    *Stats

	// replies carries setup acknowledgements and errors to the setup phase
	replies chan client.Event
}

func NewBotClient(id int, channel string, framing transport.Framing, engine *crypto.Engine, stats *Stats) *BotClient {
	bc := &BotClient{
		id:       id,
		nickname: generateUsername(id),
		channel:  channel,
		stats:    stats,
		replies:  make(chan client.Event, 16),
	}
	bc.client = client.New(client.Config{
		Framing:        framing,
		ConnectTimeout: 10 * time.Second,
		Logger:         debugLogger,
		Engine:         engine,
	}, bc)
	return bc
}

// HandleEvent runs on the connection's read goroutine
func (bc *BotClient) HandleEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventChat:
		msg := ev.Message.(*protocol.ChatMessage)
		if !msg.IsChannel && strings.HasPrefix(msg.Body, rttPrefix) {
			if sent, err := strconv.ParseInt(strings.TrimPrefix(msg.Body, rttPrefix), 10, 64); err == nil {
				bc.stats.recordRoundTrip(time.Since(time.Unix(0, sent)))
			}
			return
		}
		bc.stats.messagesDelivered.Add(1)
	case client.EventNameAccepted, client.EventMembership:
		bc.reply(ev)
	case client.EventError:
		bc.stats.serverErrors.Add(1)
		debugLogger.Printf("[Bot %d] Server error: %v", bc.id, ev.Err)
		bc.reply(ev)
	case client.EventDisconnected:
		debugLogger.Printf("[Bot %d] Disconnected: %v", bc.id, ev.Err)
	}
}

func (bc *BotClient) reply(ev client.Event) {
	select {
	case bc.replies <- ev:
	default:
	}
}

// await waits for the first reply accepted by match; an ERROR reply ends the wait
func (bc *BotClient) await(match func(client.Event) bool) error {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-bc.replies:
			if ev.Kind == client.EventError {
				return ev.Err
			}
			if match(ev) {
				return nil
			}
		case <-timeout:
			return errSetupTimeout
		}
	}
}

func (bc *BotClient) Connect(dial func(*client.Client) error) error {
	if err := dial(bc.client); err != nil {
		bc.stats.connectFailed.Add(1)
		return err
	}

	for attempt := 0; ; attempt++ {
		if err := bc.client.SetUsername(bc.nickname); err != nil {
			return err
		}
		err := bc.await(func(ev client.Event) bool {
			return ev.Kind == client.EventNameAccepted
		})
		var errMsg *protocol.ErrorMessage
		if errors.As(err, &errMsg) && errMsg.Code == protocol.ErrCodeUsernameInUse && attempt < 3 {
			bc.nickname = generateUsername(bc.id)
			continue
		}
		if err != nil {
			if errors.Is(err, errSetupTimeout) {
				bc.stats.setupTimeouts.Add(1)
			} else {
				bc.stats.nameRejected.Add(1)
			}
			return fmt.Errorf("set name %s: %w", bc.nickname, err)
		}
		return nil
	}
}

func (bc *BotClient) Setup() error {
	if err := bc.client.JoinChannel(bc.channel); err != nil {
		bc.stats.joinFailed.Add(1)
		return err
	}
	err := bc.await(func(ev client.Event) bool {
		m, ok := ev.Message.(*protocol.MembershipMessage)
		return ok && m.User == bc.nickname && m.Joined
	})
	if err != nil {
		if errors.Is(err, errSetupTimeout) {
			bc.stats.setupTimeouts.Add(1)
		} else {
			bc.stats.joinFailed.Add(1)
		}
		return fmt.Errorf("join %s: %w", bc.channel, err)
	}
	return nil
}

func (bc *BotClient) PostRandomMessage() error {
	err := bc.client.SendChat(bc.channel, true, rand.Intn(10) == 0, randomMessage())
	if err != nil {
		bc.stats.messagesFailed.Add(1)
		return err
	}
	bc.stats.messagesPosted.Add(1)
	return nil
}

// MeasureRoundTrip sends a direct message to ourselves; HandleEvent records the
// time it took to come back
func (bc *BotClient) MeasureRoundTrip() error {
	body := rttPrefix + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := bc.client.SendChat(bc.nickname, false, false, body); err != nil {
		bc.stats.messagesFailed.Add(1)
		return err
	}
	return nil
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, stop <-chan struct{}) {
	defer bc.client.Disconnect()

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) {
		iteration++

		if err := bc.PostRandomMessage(); err != nil {
			if errors.Is(err, client.ErrNotConnected) {
				bc.stats.unexpectedDisconnects.Add(1)
				return
			}
		}
		if iteration%5 == 0 {
			bc.MeasureRoundTrip()
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-stop:
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-stop:
		}
	}
}

var debugLogger = log.New(io.Discard, "", 0)

func initLogging() error {
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	// Standard log goes to both stdout and file
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:6465", "Server address (host:port)")
	wsURL := flag.String("ws", "", "Connect over WebSocket to this URL instead (e.g. ws://localhost:8080/ws)")
	stream := flag.Bool("stream", false, "Use stream framing (server must be configured to match)")
	channel := flag.String("channel", "#loadtest", "Channel every client joins and chats in")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed bot communication logs in loadtest_debug.log")

	framing := transport.FramingLength
	if *stream {
		framing = transport.FramingStream
	}

	// One key pair for every bot keeps locked memory flat as -clients grows
	engine := crypto.NewEngine()
	defer engine.Destroy()

	var dial func(*client.Client) error
	target := *serverAddr
	if *wsURL != "" {
		target = *wsURL
		dial = func(c *client.Client) error { return c.ConnectWebSocket(*wsURL) }
	} else {
		host, portStr, err := net.SplitHostPort(*serverAddr)
		if err != nil {
			log.Fatalf("Invalid server address %q: %v", *serverAddr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Fatalf("Invalid port in %q: %v", *serverAddr, err)
		}
		dial = func(c *client.Client) error { return c.Connect(host, port) }
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s (framing=%s)", target, framing)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Channel: %s", *channel)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup
	startTime := time.Now()

	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				posted, delivered, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d posted (%.1f/s), %d delivered (%.1f/s), %d failed, %d conn errors, rtt %.2fms, load %.2f, goroutines %d",
					posted, float64(posted)/elapsed, delivered, float64(delivered)/elapsed,
					failed, connErrors, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopAll()
	}()

spawn:
	for i := 0; i < *numClients; i++ {
		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		wg.Add(1)
		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, *channel, framing, engine, stats)
			if err := bot.Connect(dial); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] Connect failed: %v", id, err)
				bot.client.Disconnect()
				return
			}
			if err := bot.Setup(); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] Setup failed: %v", id, err)
				bot.client.Disconnect()
				return
			}

			stats.successfulClients.Add(1)
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.nickname)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, stop)
		}(i, shutdownDelay)

		select {
		case <-time.After(staggerDelay):
		case <-stop:
			break spawn
		}
	}

	wg.Wait()
	close(stopStats)

	totalDuration := time.Since(startTime)
	posted, delivered, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients,
		float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", totalDuration.Round(time.Millisecond))
	log.Printf("Messages posted: %d (%.1f/s)", posted, float64(posted)/totalDuration.Seconds())
	log.Printf("Messages delivered: %d (%.1f/s)", delivered, float64(delivered)/totalDuration.Seconds())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Unexpected disconnects: %d", stats.unexpectedDisconnects.Load())
	log.Printf("  - Server errors: %d", stats.serverErrors.Load())
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  - Connect failed: %d", stats.connectFailed.Load())
		log.Printf("  - Name rejected: %d", stats.nameRejected.Load())
		log.Printf("  - Join failed: %d", stats.joinFailed.Load())
		log.Printf("  - Setup timeouts: %d", stats.setupTimeouts.Load())
	}
	log.Printf("Average round trip: %.2fms over %d samples", avgUs/1000.0, stats.roundTrips.Load())

	if successfulClients > 1 {
		// Every post fans out to every other member
		expected := posted * (successfulClients - 1)
		if expected > 0 {
			log.Printf("Fanout efficiency: %.1f%% of %d expected deliveries", float64(delivered)/float64(expected)*100, expected)
		}
	}
}
