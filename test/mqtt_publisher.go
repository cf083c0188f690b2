package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Wire formats the simulator can produce
const (
	formatKeyValue = "keyvalue"
	formatPipe     = "pipe"
	formatJSON     = "json"
	formatHex      = "hexframe"
)

// Topic layouts
const (
	layoutTenant = "tenant"
	layoutShort  = "short"
	layoutLegacy = "legacy"
)

// Reading is one simulated crane sample
type Reading struct {
	DeviceID string
	Time     time.Time
	Load     float64
	SWL      float64
	LS       [4]string
	UT       string
	Util     float64
}

// JSONReading is the JSON wire shape
type JSONReading struct {
	ID   string  `json:"id"`
	TS   string  `json:"ts"`
	Load float64 `json:"load"`
	SWL  float64 `json:"swl"`
	LS1  string  `json:"ls1"`
	LS2  string  `json:"ls2"`
	LS3  string  `json:"ls3"`
	LS4  string  `json:"ls4"`
	UT   string  `json:"ut"`
	Util float64 `json:"util"`
}

// Crane is a simulated device
type Crane struct {
	ID       string
	Tenant   string
	Format   string
	Layout   string
	SWL      float64
	Interval time.Duration
}

// examples are the reference payloads for each format
var examples = []struct {
	topic   string
	payload string
}{
	{"tenant/acme/device/TC-004/telemetry", "TS=2025-09-09T12:05:10Z;ID=TC-004;LOAD=120;SWL=100;LS1=OK;LS2=OK;LS3=OK;UT=OK;UTIL=92"},
	{"acme/device/TC-001/telemetry", "TC-001|2025-09-09T12:06:00Z|LOAD:85|SWL:100|LS1:OK|LS2:OK|LS3:FAIL|UT:OK|UTIL:78"},
	{"device/TC-002/telemetry", `{"id":"TC-002","ts":"2025-09-09T12:07:00Z","load":45,"swl":80,"ls1":"OK","ls2":"OK","ls3":"OK","ut":"OK","util":56}`},
	{"device/DM-123/telemetry", "$DM12369186d32020090F09B#"},
	{"device/DM-123/telemetry", "$DM12369187044020010D024#"},
	{"device/DM-abc/telemetry", "$DMabc68e1d43820087#0506"},
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	mode := flag.String("mode", "continuous", "run mode: single, batch, continuous")
	cranes := flag.Int("cranes", 8, "number of simulated cranes in batch and continuous mode")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("crane-simulator-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to MQTT broker: %s\n", *broker)
	defer client.Disconnect(250)

	switch *mode {
	case "single":
		publishExamples(client)
	case "batch":
		publishBatch(client, fleet(*cranes))
	case "continuous":
		publishContinuous(client, fleet(*cranes))
	default:
		fmt.Println("unknown mode, use single, batch or continuous")
		os.Exit(1)
	}
}

func publish(client paho.Client, topic, payload string) {
	token := client.Publish(topic, 1, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		fmt.Printf("publish to %s failed: %v\n", topic, err)
		return
	}
	fmt.Printf("[%s] %s <- %s\n", time.Now().Format("15:04:05"), topic, payload)
}

// publishExamples sends every reference payload once
func publishExamples(client paho.Client) {
	for _, ex := range examples {
		publish(client, ex.topic, ex.payload)
	}
}

// fleet builds n cranes cycling through every format and topic layout
func fleet(n int) []Crane {
	formats := []string{formatKeyValue, formatPipe, formatJSON, formatHex}
	layouts := []string{layoutTenant, layoutShort, layoutLegacy}

	out := make([]Crane, 0, n)
	for i := 0; i < n; i++ {
		format := formats[i%len(formats)]
		id := fmt.Sprintf("TC-%03d", 100+i)
		if format == formatHex {
			id = fmt.Sprintf("DM-%03d", 100+i)
		}
		out = append(out, Crane{
			ID:       id,
			Tenant:   fmt.Sprintf("site-%d", i%3),
			Format:   format,
			Layout:   layouts[i%len(layouts)],
			SWL:      []float64{50, 80, 100, 160}[i%4],
			Interval: time.Duration(3+i%5) * time.Second,
		})
	}
	return out
}

// topic builds the topic for class in the crane's layout
func (c Crane) topic(class string) string {
	switch c.Layout {
	case layoutTenant:
		return fmt.Sprintf("tenant/%s/device/%s/%s", c.Tenant, c.ID, class)
	case layoutShort:
		return fmt.Sprintf("%s/device/%s/%s", c.Tenant, c.ID, class)
	default:
		return fmt.Sprintf("device/%s/%s", c.ID, class)
	}
}

func (c Crane) sample() Reading {
	r := Reading{
		DeviceID: c.ID,
		Time:     time.Now().UTC(),
		SWL:      c.SWL,
		Load:     float64(int(c.SWL*rand.Float64()*1.15*100)) / 100,
		UT:       "OK",
		Util:     float64(int(rand.Float64()*1000)) / 10,
	}
	for i := range r.LS {
		r.LS[i] = "OK"
		if rand.Intn(20) == 0 {
			r.LS[i] = "FAIL"
		}
	}
	return r
}

func publishBatch(client paho.Client, cranes []Crane) {
	for _, c := range cranes {
		publish(client, c.topic("telemetry"), encode(c.Format, c.sample()))
		publish(client, c.topic("heartbeat"), "")
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Println("batch publish complete")
}

func publishContinuous(client paho.Client, cranes []Crane) {
	for _, c := range cranes {
		go func(c Crane) {
			for tick := 0; ; tick++ {
				publish(client, c.topic("telemetry"), encode(c.Format, c.sample()))
				switch {
				case tick%10 == 9:
					lat := 51.5 + rand.Float64()/100
					lon := -0.12 + rand.Float64()/100
					publish(client, c.topic("location"), fmt.Sprintf(`{"lat":%.5f,"lon":%.5f}`, lat, lon))
				case tick%5 == 4:
					publish(client, c.topic("heartbeat"), "")
				}
				if rand.Intn(50) == 0 {
					publish(client, c.topic("alarm"), "wind speed above operating limit")
				}
				time.Sleep(c.Interval)
			}
		}(c)
		fmt.Printf("crane %s (%s, %s topics) reports every %v\n", c.ID, c.Format, c.Layout, c.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("disconnecting...")
}

func encode(format string, r Reading) string {
	ts := r.Time.Format(time.RFC3339)
	switch format {
	case formatPipe:
		return fmt.Sprintf("%s|%s|LOAD:%.2f|SWL:%.0f|LS1:%s|LS2:%s|LS3:%s|LS4:%s|UT:%s|UTIL:%.1f",
			r.DeviceID, ts, r.Load, r.SWL, r.LS[0], r.LS[1], r.LS[2], r.LS[3], r.UT, r.Util)
	case formatJSON:
		data, _ := json.Marshal(JSONReading{
			ID: r.DeviceID, TS: ts, Load: r.Load, SWL: r.SWL,
			LS1: r.LS[0], LS2: r.LS[1], LS3: r.LS[2], LS4: r.LS[3],
			UT: r.UT, Util: r.Util,
		})
		return string(data)
	case formatHex:
		return hexFrame(r)
	default:
		return fmt.Sprintf("TS=%s;ID=%s;LOAD=%.2f;SWL=%.0f;LS1=%s;LS2=%s;LS3=%s;LS4=%s;UT=%s;UTIL=%.1f",
			ts, r.DeviceID, r.Load, r.SWL, r.LS[0], r.LS[1], r.LS[2], r.LS[3], r.UT, r.Util)
	}
}

// hexFrame encodes an event frame. Limit switches report HIT instead of FAIL.
func hexFrame(r Reading) string {
	var bits byte
	if r.Util > 50 {
		bits |= 1 << 7
	}
	if r.Load > r.SWL {
		bits |= 1 << 6
	}
	for i, s := range r.LS {
		if s != "OK" {
			bits |= 1 << i
		}
	}

	id := strings.TrimPrefix(r.DeviceID, "DM-")
	body := fmt.Sprintf("DM%s%08x%02x%02x%02x", id, uint32(r.Time.Unix()), 0x02, 0x00, bits)

	var sum byte
	for i := 0; i < len(body); i++ {
		sum += body[i]
	}
	return fmt.Sprintf("$%s#%02X", body, sum)
}
