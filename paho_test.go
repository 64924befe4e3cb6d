package monstermq

import (
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Interop check against eclipse/paho, the most widely deployed Go client.
func TestBrokerPahoInterop(t *testing.T) {
	_, url := startBroker(t, Config{})
	broker := "tcp://" + url[len("mqtt://"):]

	received := make(chan paho.Message, 8)

	subOpts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("paho-sub").
		SetConnectTimeout(5 * time.Second)
	sub := paho.NewClient(subOpts)
	if token := sub.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("paho connect: %v", token.Error())
	}
	defer sub.Disconnect(100)

	if token := sub.Subscribe("paho/#", 1, func(_ paho.Client, m paho.Message) {
		received <- m
	}); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("paho subscribe: %v", token.Error())
	}

	pubOpts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("paho-pub").
		SetConnectTimeout(5 * time.Second)
	pub := paho.NewClient(pubOpts)
	if token := pub.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("paho connect: %v", token.Error())
	}
	defer pub.Disconnect(100)

	if token := pub.Publish("paho/data", 1, true, "hello"); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("paho publish: %v", token.Error())
	}

	select {
	case m := <-received:
		if m.Topic() != "paho/data" || string(m.Payload()) != "hello" {
			t.Errorf("received %s: %s", m.Topic(), m.Payload())
		}
		if m.Qos() != 1 {
			t.Errorf("qos = %d, want 1", m.Qos())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("paho subscriber never received the message")
	}

	// Retained message reaches a subscriber that arrives afterwards.
	late := paho.NewClient(paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("paho-late").
		SetConnectTimeout(5 * time.Second))
	if token := late.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("paho connect: %v", token.Error())
	}
	defer late.Disconnect(100)

	retained := make(chan paho.Message, 1)
	if token := late.Subscribe("paho/data", 0, func(_ paho.Client, m paho.Message) {
		retained <- m
	}); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("paho subscribe: %v", token.Error())
	}
	select {
	case m := <-retained:
		if !m.Retained() || string(m.Payload()) != "hello" {
			t.Errorf("retained %v: %s", m.Retained(), m.Payload())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retained message never arrived")
	}
}
