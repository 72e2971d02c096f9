package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder

	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source/mqtt"
)

var publishFlags struct {
	topic      string
	file       string
	fps        float64
	count      int
	compressed bool
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish an image file to an MQTT topic at a fixed rate",
	Long: `Publish advertises a topic on the configured MQTT broker and sends an
image file to it repeatedly, stamped with the send time.

By default the image is decoded and sent as rgb8 on the raw transport. With
--compressed the file bytes are sent unchanged on the "compressed" transport
and the topic is advertised with both transports. The advertisement is
withdrawn on exit.`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

func init() {
	f := publishCmd.Flags()
	f.StringVarP(&publishFlags.topic, "topic", "t", "/camera/image", "topic to publish on")
	f.StringVarP(&publishFlags.file, "file", "f", "", "image file (jpeg, png, gif, webp)")
	f.Float64Var(&publishFlags.fps, "fps", 5, "frames per second")
	f.IntVar(&publishFlags.count, "count", 0, "frames to send (0 = until interrupted)")
	f.BoolVar(&publishFlags.compressed, "compressed", false, "send the file bytes instead of rgb8")
	_ = publishCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, _ []string) error {
	if cfg.Source.MQTT.Broker == "" {
		return fmt.Errorf("source.mqtt.broker is required to publish")
	}
	if publishFlags.fps <= 0 {
		return fmt.Errorf("invalid --fps %.2f", publishFlags.fps)
	}

	data, err := os.ReadFile(publishFlags.file)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	var (
		f          frame.Encoded
		transport  = source.DefaultTransport
		transports = []string{source.DefaultTransport}
	)
	if publishFlags.compressed {
		f = frame.Encoded{Encoding: compressedEncoding(publishFlags.file), Data: data}
		transport = "compressed"
		transports = append(transports, transport)
	} else {
		f, err = rgb8FromFile(data)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mc := cfg.Source.MQTT
	if mc.ClientID == "" || mc.ClientID == "web-streamer-"+cfg.InstanceID {
		mc.ClientID = "web-streamer-publish-" + cfg.InstanceID
	}
	pub, err := mqtt.DialPublisher(ctx, mqttConfig(mc))
	if err != nil {
		return err
	}
	defer pub.Close()

	if err := pub.Advertise(ctx, publishFlags.topic, f.Encoding, transports...); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := pub.Withdraw(wctx, publishFlags.topic); err != nil {
			slog.Warn("publish: withdraw failed", "topic", publishFlags.topic, "error", err)
		}
	}()

	slog.Info("publish: sending",
		"topic", publishFlags.topic,
		"encoding", f.Encoding,
		"transport", transport,
		"fps", publishFlags.fps,
		"bytes", len(f.Data),
	)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / publishFlags.fps))
	defer ticker.Stop()

	for sent := 0; publishFlags.count == 0 || sent < publishFlags.count; {
		select {
		case <-ctx.Done():
			slog.Info("publish: stopped", "published", pub.Published(), "errors", pub.Errors())
			return nil
		case now := <-ticker.C:
			f.Stamp = now
			if err := pub.Publish(ctx, publishFlags.topic, transport, f); err != nil {
				slog.Warn("publish: send failed", "error", err)
				continue
			}
			sent++
		}
	}

	slog.Info("publish: done", "published", pub.Published(), "errors", pub.Errors())
	return nil
}

// rgb8FromFile decodes an image into a tightly packed rgb8 frame.
func rgb8FromFile(data []byte) (frame.Encoded, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return frame.Encoded{}, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	w, h := b.Dx(), b.Dy()
	out := make([]byte, 0, w*h*3)
	for i := 0; i < len(rgba.Pix); i += 4 {
		out = append(out, rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2])
	}
	return frame.Encoded{
		Encoding: "rgb8",
		Width:    w,
		Height:   h,
		Step:     w * 3,
		Data:     out,
	}, nil
}

// compressedEncoding names the container from the file extension.
func compressedEncoding(path string) string {
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")); ext {
	case "jpg", "jpeg":
		return "jpeg"
	case "png", "gif", "webp":
		return ext
	default:
		return "jpeg"
	}
}
