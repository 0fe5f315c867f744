package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/asterisk-dialer/internal/config"
	"github.com/sweeney/asterisk-dialer/internal/dialer"
	"github.com/sweeney/asterisk-dialer/internal/engine"
	"github.com/sweeney/asterisk-dialer/internal/ledger"
	"github.com/sweeney/asterisk-dialer/internal/manager"
	"github.com/sweeney/asterisk-dialer/internal/sink"
)

func main() {
	configPath := flag.String("config", "/etc/asterisk-dialer/asterisk-dialer.yaml", "Path to config file")
	campaignPath := flag.String("campaigns", "", "Path to a campaign file to submit at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	mqttSink, err := sink.NewMQTTSink(sink.MQTTOptions{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         1,
	})
	if err != nil {
		log.Fatalf("connecting to MQTT: %v", err)
	}
	log.Printf("connected to MQTT broker %s", cfg.MQTT.Broker)

	sinks := []sink.Sink{mqttSink}

	if cfg.Redis.Enabled {
		rs, err := sink.NewRedisSink(ctx, sink.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatalf("connecting to Redis: %v", err)
		}
		log.Printf("connected to Redis at %s", cfg.Redis.Addr)
		sinks = append(sinks, rs)
	}

	if cfg.Postgres.Enabled {
		ps, err := sink.NewPostgresSink(ctx, sink.PostgresOptions{DSN: cfg.Postgres.DSN})
		if err != nil {
			log.Fatalf("connecting to Postgres: %v", err)
		}
		log.Println("connected to Postgres")
		sinks = append(sinks, ps)
	}

	snk := sink.NewMulti(sinks...)
	defer snk.Close()

	led := ledger.New(cfg.Dialer.Retention.Duration())
	eng := engine.New(led, snk, engine.Options{
		RingTimeout:  cfg.Dialer.RingTimeout.Duration(),
		OrphanWindow: cfg.Dialer.OrphanWindow.Duration(),
	})

	client := manager.New(manager.Options{
		Addr:          cfg.AMI.Addr(),
		Username:      cfg.AMI.Username,
		Secret:        cfg.AMI.Secret,
		ActionTimeout: cfg.AMI.ActionTimeout.Duration(),
		ReconnectMin:  cfg.AMI.ReconnectMin.Duration(),
		ReconnectMax:  cfg.AMI.ReconnectMax.Duration(),
	})

	d := dialer.New(eng, client, mqttSink, dialer.Options{
		DefaultCeiling:   cfg.Dialer.DefaultCeiling,
		GlobalCeiling:    cfg.Dialer.GlobalCeiling,
		RetryLimit:       cfg.Dialer.RetryLimit,
		RetryBackoff:     cfg.Dialer.RetryBackoff.Duration(),
		OriginateTimeout: cfg.Dialer.OriginateTimeout.Duration(),
		Context:          cfg.Dialer.Context,
		Exten:            cfg.Dialer.Exten,
		Priority:         cfg.Dialer.Priority,
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("engine stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("AMI session stopped: %v", err)
		}
	}()

	// Single consumer: every event flows through the engine in arrival order.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case evt := <-client.Events():
				eng.Process(evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	if *campaignPath != "" {
		if err := submitCampaigns(ctx, d, *campaignPath); err != nil {
			log.Printf("campaign file: %v", err)
			cancel()
		}
	}

	<-ctx.Done()
	wg.Wait()

	m := eng.Metrics()
	log.Printf("shutdown complete (orphaned=%d unknown=%d fakes=%d conflicts=%d)",
		m.OrphanedEvents, m.UnknownCalls, m.FakeResponses, m.Conflicts)
}

// campaignFile is the YAML shape accepted by -campaigns.
type campaignFile struct {
	Campaigns []dialer.CampaignSpec `yaml:"campaigns"`
}

func submitCampaigns(ctx context.Context, d *dialer.Dialer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file campaignFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	for _, spec := range file.Campaigns {
		id, accepted, invalid, err := d.Submit(ctx, spec)
		if err != nil {
			log.Printf("campaign %q rejected: %v", spec.Name, err)
			continue
		}
		log.Printf("campaign %q submitted as %s (%d accepted, %d invalid)", spec.Name, id, accepted, invalid)

		go watchCampaign(ctx, d, id, spec.Name)
	}
	return nil
}

func watchCampaign(ctx context.Context, d *dialer.Dialer, id, name string) {
	done, err := d.Done(id)
	if err != nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		return
	}

	c, err := d.Counters(id)
	if err != nil {
		return
	}
	log.Printf("campaign %q finished: total=%d bridged=%d failed=%d fake=%d invalid=%d",
		name, c.Total, c.Bridged, c.Failed, c.FakeResponse, c.Invalid)

	if err := d.Forget(id); err != nil {
		log.Printf("campaign %q: %v", name, err)
	}
}
