package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/geofusion/internal/config"
	"github.com/relabs-tech/geofusion/internal/telemetry"
)

const ssd1306Addr = 0x3C

// statusStore holds the latest status report for the display loop.
type statusStore struct {
	mu       sync.RWMutex
	report   telemetry.StatusReport
	received time.Time
	have     bool
}

func (s *statusStore) handle(payload []byte) error {
	var r telemetry.StatusReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}
	s.mu.Lock()
	s.report = r
	s.received = time.Now()
	s.have = true
	s.mu.Unlock()
	return nil
}

func (s *statusStore) load() (telemetry.StatusReport, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report, s.received, s.have
}

func newCanvas() (*image1bit.VerticalLSB, *font.Drawer) {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, 128, 64))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	return img, drawer
}

func hemisphere(v float64, pos, neg string) (float64, string) {
	if v < 0 {
		return -v, neg
	}
	return v, pos
}

// statusLines formats a report into at most four display lines. A report
// older than stale is shown as lost.
func statusLines(r telemetry.StatusReport, have bool, age, stale time.Duration) []string {
	if !have {
		return []string{"GeoFusion", "Waiting..."}
	}
	if age > stale {
		return []string{r.PlatformID, "Status lost", fmt.Sprintf("%.0fs ago", age.Seconds())}
	}

	lines := []string{fmt.Sprintf("%s %s", r.PlatformID, r.DepthMode)}
	if r.Latitude == nil || r.Longitude == nil {
		lines = append(lines, "No fix")
	} else {
		lat, ns := hemisphere(*r.Latitude, "N", "S")
		lon, ew := hemisphere(*r.Longitude, "E", "W")
		lines = append(lines,
			fmt.Sprintf("%.5f%s", lat, ns),
			fmt.Sprintf("%.5f%s %s", lon, ew, r.FixSource),
		)
	}
	lines = append(lines, fmt.Sprintf("Obj:%d Hdg:%.0f", r.Objects, r.Heading))
	return lines
}

func renderStatus(lines []string) *image1bit.VerticalLSB {
	img, drawer := newCanvas()
	for i, line := range lines {
		drawer.Dot = fixed.P(0, 13*(i+1))
		drawer.DrawString(line)
	}
	return img
}

// RunDisplay shows the fusion service heartbeat on an SSD1306 OLED.
func RunDisplay() error {
	cfg := config.Get()
	if cfg == nil {
		return errors.New("config not initialized")
	}

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	bus, err := i2creg.Open("")
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	// the published driver always talks to 0x3C
	if cfg.DisplayI2CAddr != ssd1306Addr {
		log.Printf("display: DISPLAY_I2C_ADDR 0x%02X ignored, driver uses 0x%02X", cfg.DisplayI2CAddr, ssd1306Addr)
	}
	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	log.Printf("display: initialized at 0x%02X", ssd1306Addr)

	if err := dev.Draw(dev.Bounds(), renderStatus([]string{"GeoFusion", "Looking for", "sats"}), image.Point{}); err != nil {
		log.Printf("display: error showing splash: %v", err)
	}

	store := &statusStore{}

	client, err := connectMQTT(cfg, "display")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	token := client.Subscribe(cfg.TopicStatus, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if err := store.handle(msg.Payload()); err != nil {
			log.Printf("display: status unmarshal error: %v", err)
		}
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("display: subscribed to %s", cfg.TopicStatus)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(ms(cfg.DisplayUpdateInterval))
	defer ticker.Stop()
	stale := 3 * ms(cfg.StatusInterval)

	log.Println("display: starting update loop")
	for {
		select {
		case <-sigCh:
			log.Println("display: shutting down")
			return dev.Halt()
		case <-ticker.C:
		}

		report, received, have := store.load()
		img := renderStatus(statusLines(report, have, time.Since(received), stale))
		if err := dev.Draw(dev.Bounds(), img, image.Point{}); err != nil {
			log.Printf("display: error updating display: %v", err)
		}
	}
}
