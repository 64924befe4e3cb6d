package monstermq

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/monstermq/monstermq/auth"
	"github.com/monstermq/monstermq/packet"
	"github.com/monstermq/monstermq/topic"
)

// process routes one inbound control packet. The first packet must be
// CONNECT [MQTT-3.1.0-1]; a second CONNECT is a protocol error
// [MQTT-3.1.0-2].
func (c *conn) process(ctx context.Context, pkt packet.Packet) {
	if !c.connected {
		connect, ok := pkt.(*packet.CONNECT)
		if !ok {
			log.Warn().Str("remote", c.remoteAddr).Str("kind", packet.Kind[pkt.Kind()]).Msg("packet before CONNECT")
			panic(ErrAbortHandler)
		}
		c.handleConnect(ctx, connect)
		return
	}
	switch p := pkt.(type) {
	case *packet.CONNECT:
		c.abort(packet.ErrProtocolError)
	case *packet.PUBLISH:
		c.handlePublish(ctx, p)
	case *packet.PUBACK:
		c.handlePuback(ctx, p)
	case *packet.PUBREC:
		c.handlePubrec(p)
	case *packet.PUBREL:
		c.handlePubrel(p)
	case *packet.PUBCOMP:
		c.handlePubcomp(ctx, p)
	case *packet.SUBSCRIBE:
		c.handleSubscribe(ctx, p)
	case *packet.UNSUBSCRIBE:
		c.handleUnsubscribe(ctx, p)
	case *packet.PINGREQ:
		// A PINGREQ must be answered with PINGRESP [MQTT-3.12.4-1].
		_ = c.send(&packet.PINGRESP{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PINGRESP}})
	case *packet.DISCONNECT:
		c.handleDisconnect(ctx, p)
	case *packet.AUTH:
		// The enhanced-auth exchange runs inside the CONNECT handshake;
		// re-authentication on a live connection is not offered.
		c.abort(packet.ErrBadAuthenticationMethod)
	case *packet.RESERVED:
		c.abort(packet.ErrMalformedPacket)
	}
}

func (c *conn) refuseConnect(version byte, v5, v3 packet.ReasonCode) {
	code := v3
	if version == packet.VERSION500 {
		code = v5
	}
	_ = c.send(&packet.CONNACK{
		FixedHeader: &packet.FixedHeader{Version: version, Kind: CONNACK},
		ReasonCode:  code,
	})
	panic(ErrAbortHandler)
}

func (c *conn) handleConnect(ctx context.Context, pkt *packet.CONNECT) {
	srv := c.server
	cfg := &srv.Config
	c.version = pkt.Version

	clientID := pkt.ClientID
	assigned := false
	if clientID == "" {
		// 3.1.1 only allows a zero-byte id with a clean session
		// [MQTT-3.1.3-7]; v5 gets an assigned id either way.
		if pkt.Version != packet.VERSION500 && !pkt.ConnectFlags.CleanStart() {
			c.refuseConnect(pkt.Version, packet.ErrClientIdentifierNotValid, packet.Err3ClientIdentifierNotValid)
		}
		clientID = "monstermq-" + genID()
		assigned = true
	}

	var user *auth.User
	if pkt.Props != nil && pkt.Props.AuthenticationMethod != "" {
		// Enhanced authentication: the named mechanism must be one we
		// offer [MQTT-4.12.0-1].
		mech := srv.sasl[pkt.Props.AuthenticationMethod]
		if mech == nil {
			c.refuseConnect(pkt.Version, packet.ErrBadAuthenticationMethod, packet.Err3NotAuthorized)
		}
		c.authMethod = pkt.Props.AuthenticationMethod
		user = c.runAuthExchange(ctx, pkt, mech)
	} else {
		u, ok := srv.authn.Authenticate(ctx, pkt.Username, pkt.Password)
		if !ok {
			log.Warn().Str("client", clientID).Str("username", pkt.Username).Str("remote", c.remoteAddr).Msg("authentication failed")
			c.refuseConnect(pkt.Version, packet.ErrBadUsernameOrPassword, packet.Err3BadUsernameOrPassword)
		}
		user = u
	}
	c.user = user

	// An existing connection with the same id is taken over, here or on
	// whichever node holds it [MQTT-3.1.4-3]. The predecessor's in-flight
	// flows carry over when the session is resumed.
	var prior *session
	if old := srv.client(clientID); old != nil {
		prior = old.sess
		old.takeOver()
	} else {
		srv.takeOverRemote(ctx, clientID)
	}
	srv.sched.Cancel(willTaskID(clientID))

	cleanStart := pkt.ConnectFlags.CleanStart()
	rec, err := srv.store.GetSession(ctx, clientID)
	if err != nil {
		log.Error().Err(err).Str("client", clientID).Msg("session lookup failed")
		c.refuseConnect(pkt.Version, packet.ErrServerUnavailable, packet.Err3ServerUnavailable)
	}
	sessionPresent := rec != nil && !cleanStart
	if rec != nil && cleanStart {
		srv.destroySession(ctx, clientID)
	}

	// Session expiry: v5 takes it from the properties, 3.1.1 maps
	// CleanSession=0 to a session that never expires.
	var sessionExpiry uint32
	if pkt.Version == packet.VERSION500 {
		if pkt.Props != nil {
			sessionExpiry = pkt.Props.SessionExpiryInterval
		}
	} else if !cleanStart {
		sessionExpiry = 0xFFFFFFFF
	}
	if cfg.MaxSessionExpiry > 0 && sessionExpiry > cfg.MaxSessionExpiry {
		sessionExpiry = cfg.MaxSessionExpiry
	}

	// The client's receive maximum bounds our outbound window; 3.1.1 has no
	// way to send one.
	window := cfg.ReceiveMaximumV3
	var clientAliasMax uint16
	if pkt.Version == packet.VERSION500 && pkt.Props != nil {
		if pkt.Props.ReceiveMaximum > 0 {
			window = pkt.Props.ReceiveMaximum
		} else {
			window = 65535
		}
		clientAliasMax = pkt.Props.TopicAliasMaximum
	}
	c.sess = newSession(window)
	c.sess.outMax = clientAliasMax

	if pkt.ConnectFlags.WillFlag() {
		will := &BrokerMessage{
			Topic:    pkt.WillTopic,
			Payload:  pkt.WillPayload,
			QoS:      pkt.ConnectFlags.WillQoS(),
			Retain:   pkt.ConnectFlags.WillRetain() == 1,
			ClientID: clientID,
			Created:  time.Now(),
			Expiry:   NoExpiry,
		}
		if wp := pkt.WillProps; wp != nil {
			c.willDelay = wp.WillDelayInterval
			will.PayloadFormat = wp.PayloadFormatIndicator
			if wp.MessageExpiryInterval > 0 {
				will.Expiry = int64(wp.MessageExpiryInterval)
			}
			will.ContentType = wp.ContentType
			will.ResponseTopic = wp.ResponseTopic
			will.CorrelationData = wp.CorrelationData
			will.UserProperties = wp.UserProperties.Clone()
		}
		c.will = will
	}

	c.clientID = clientID
	c.cleanStart = cleanStart && sessionExpiry == 0
	c.keepAlive = pkt.KeepAlive
	if cfg.MaxKeepAlive > 0 && (c.keepAlive == 0 || c.keepAlive > cfg.MaxKeepAlive) {
		c.keepAlive = cfg.MaxKeepAlive
	}
	c.sessionExpiry = sessionExpiry
	c.connected = true

	newRec := &SessionRecord{
		ClientID:      clientID,
		CleanStart:    cleanStart,
		SessionExpiry: sessionExpiry,
		Connected:     true,
		NodeID:        cfg.NodeID,
		Will:          c.will,
		WillDelay:     c.willDelay,
	}
	if pkt.Props != nil {
		newRec.ReceiveMaximum = pkt.Props.ReceiveMaximum
		newRec.MaximumPacketSize = pkt.Props.MaximumPacketSize
		newRec.TopicAliasMaximum = pkt.Props.TopicAliasMaximum
	}
	if err := srv.store.PutSession(ctx, newRec); err != nil {
		log.Error().Err(err).Str("client", clientID).Msg("session persist failed")
		c.refuseConnect(pkt.Version, packet.ErrServerUnavailable, packet.Err3ServerUnavailable)
	}
	_ = srv.coord.SetNodeForClient(ctx, clientID, cfg.NodeID)
	srv.registerClient(clientID, c)

	connack := &packet.CONNACK{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: CONNACK},
		ReasonCode:  packet.Success,
	}
	if sessionPresent {
		connack.SessionPresent = 1
	}
	if c.version == packet.VERSION500 {
		props := &packet.ConnackProperties{
			SessionExpiryInterval: sessionExpiry,
			ReceiveMaximum:        cfg.ReceiveMaximum,
			TopicAliasMaximum:     cfg.TopicAliasMaximum,
			MaximumPacketSize:     cfg.MaxPacketSize,
			SubIDAvailable:        0,
			SubIDAvailableSet:     true,
			SharedSubAvailable:    0,
		}
		if assigned {
			props.AssignedClientID = clientID
		}
		if c.keepAlive != pkt.KeepAlive {
			props.ServerKeepAlive = c.keepAlive
		}
		if c.authMethod != "" {
			props.AuthenticationMethod = c.authMethod
		}
		connack.Props = props
	}
	if err := c.send(connack); err != nil {
		panic(ErrAbortHandler)
	}

	log.Info().Str("client", clientID).Str("remote", c.remoteAddr).Uint8("version", c.version).Bool("sessionPresent", sessionPresent).Msg("client connected")

	if sessionPresent {
		if prior != nil {
			c.sess.adopt(prior)
			c.retransmit()
		}
		go c.redeliverQueued(ctx)
	}
}

// runAuthExchange drives one enhanced-authentication handshake (3.15):
// Step the mechanism, challenge the client with AUTH 0x18, feed its answer
// back, until the mechanism produces a user or fails.
func (c *conn) runAuthExchange(ctx context.Context, pkt *packet.CONNECT, mech auth.Mechanism) *auth.User {
	method := pkt.Props.AuthenticationMethod
	ex := mech.Begin()
	data := pkt.Props.AuthenticationData
	for {
		challenge, user, err := ex.Step(ctx, data)
		if err != nil {
			log.Warn().Err(err).Str("method", method).Str("remote", c.remoteAddr).Msg("enhanced authentication failed")
			c.refuseConnect(pkt.Version, packet.ErrNotAuthorized, packet.Err3NotAuthorized)
		}
		if user != nil {
			return user
		}
		err = c.send(&packet.AUTH{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: AUTH},
			ReasonCode:  packet.ErrContinueAuthentication,
			Props:       &packet.AuthProperties{AuthenticationMethod: method, AuthenticationData: challenge},
		})
		if err != nil {
			panic(ErrAbortHandler)
		}
		next, err := c.readPacket()
		if err != nil {
			panic(ErrAbortHandler)
		}
		a, ok := next.(*packet.AUTH)
		if !ok || a.Props == nil || a.Props.AuthenticationMethod != method {
			c.refuseConnect(pkt.Version, packet.ErrProtocolError, packet.Err3NotAuthorized)
		}
		data = a.Props.AuthenticationData
	}
}

func (c *conn) handlePublish(ctx context.Context, pkt *packet.PUBLISH) {
	srv := c.server
	topicName := pkt.Message.TopicName

	if c.version == packet.VERSION500 {
		var alias uint16
		if pkt.Props != nil {
			alias = pkt.Props.TopicAlias
		}
		resolved, err := c.sess.resolveInAlias(topicName, alias, srv.Config.TopicAliasMaximum)
		if err != nil {
			code, _ := err.(packet.ReasonCode)
			c.abort(code)
		}
		topicName = resolved
	}
	if err := topic.ValidateName(topicName); err != nil {
		c.abort(packet.ErrTopicNameInvalid)
	}

	msg := NewBrokerMessage(c.clientID, pkt)
	msg.Topic = topicName

	if !msg.ValidPayloadFormat() {
		// Logged and forwarded as-is; the payload is opaque to the broker.
		log.Warn().Str("client", c.clientID).Str("topic", topicName).Msg("payload format indicator set on non-UTF-8 payload")
	}

	if !srv.authn.CanPublish(c.user, topicName) {
		stat.DroppedMessages.Inc()
		log.Warn().Str("client", c.clientID).Str("topic", topicName).Msg("publish not authorized")
		c.replyPublish(pkt, packet.ErrNotAuthorized)
		if srv.Config.DisconnectOnUnauthorized {
			panic(ErrAbortHandler)
		}
		return
	}

	switch pkt.QoS {
	case 0:
		c.dispatch(ctx, msg)
	case 1:
		c.dispatch(ctx, msg)
		_ = c.send(&packet.PUBACK{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBACK},
			PacketID:    pkt.PacketID,
			ReasonCode:  packet.Success,
		})
	case 2:
		// A DUP retransmission of an unreleased id only repeats the PUBREC
		// [MQTT-4.3.3-2]; reuse without DUP breaks exactly-once and
		// disconnects.
		fresh := c.sess.markReceived(pkt.PacketID)
		if !fresh && pkt.Dup == 0 {
			c.abort(packet.ErrImplementationSpecificError)
		}
		if fresh && uint16(c.sess.receivedCount()) > srv.Config.ReceiveMaximum {
			c.sess.clearReceived(pkt.PacketID)
			c.replyPublish(pkt, packet.ErrQuotaExceeded)
			return
		}
		if fresh {
			c.dispatch(ctx, msg)
		}
		_ = c.send(&packet.PUBREC{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREC},
			PacketID:    pkt.PacketID,
			ReasonCode:  packet.Success,
		})
	}
}

func (c *conn) dispatch(ctx context.Context, msg *BrokerMessage) {
	if err := c.server.Dispatch(ctx, msg); err != nil {
		log.Error().Err(err).Str("topic", msg.Topic).Msg("dispatch failed")
	}
}

// replyPublish answers a rejected inbound publish with the acknowledgement
// its QoS calls for; QoS 0 rejections are silent.
func (c *conn) replyPublish(pkt *packet.PUBLISH, code packet.ReasonCode) {
	switch pkt.QoS {
	case 1:
		_ = c.send(&packet.PUBACK{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBACK},
			PacketID:    pkt.PacketID,
			ReasonCode:  code,
		})
	case 2:
		_ = c.send(&packet.PUBREC{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREC},
			PacketID:    pkt.PacketID,
			ReasonCode:  code,
		})
	}
}

func (c *conn) handlePuback(ctx context.Context, pkt *packet.PUBACK) {
	done, next := c.sess.ack(pkt.PacketID)
	c.finishDelivery(ctx, done, next)
}

func (c *conn) handlePubrec(pkt *packet.PUBREC) {
	rel := &packet.PUBREL{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREL, QoS: 1},
		PacketID:    pkt.PacketID,
		ReasonCode:  packet.Success,
	}
	if !c.sess.release(pkt.PacketID) {
		rel.ReasonCode = packet.ErrPacketIdentifierNotFound
	}
	_ = c.send(rel)
}

func (c *conn) handlePubrel(pkt *packet.PUBREL) {
	comp := &packet.PUBCOMP{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBCOMP},
		PacketID:    pkt.PacketID,
		ReasonCode:  packet.Success,
	}
	if !c.sess.clearReceived(pkt.PacketID) {
		comp.ReasonCode = packet.ErrPacketIdentifierNotFound
	}
	_ = c.send(comp)
}

func (c *conn) handlePubcomp(ctx context.Context, pkt *packet.PUBCOMP) {
	done, next := c.sess.complete(pkt.PacketID)
	c.finishDelivery(ctx, done, next)
}

// finishDelivery closes out an acknowledged outbound flow: the matching
// offline queue entry is removed and a parked message takes the freed
// window slot.
func (c *conn) finishDelivery(ctx context.Context, done *inflightMessage, next *packet.PUBLISH) {
	if done != nil && done.queueSeq > 0 {
		if err := c.server.store.Ack(ctx, c.clientID, done.queueSeq); err != nil {
			log.Error().Err(err).Str("client", c.clientID).Msg("queue ack failed")
		}
	}
	if next != nil {
		if err := c.send(next); err == nil {
			stat.MessagesOut.Inc()
			c.server.msgOut.Add(1)
		}
	}
}

func (c *conn) handleSubscribe(ctx context.Context, pkt *packet.SUBSCRIBE) {
	srv := c.server
	if c.version == packet.VERSION500 && pkt.Props != nil && pkt.Props.SubscriptionIdentifier != 0 {
		// The CONNACK declared subscription identifiers unavailable.
		c.abort(packet.ErrSubscriptionIDsNotSupported)
	}

	codes := make([]packet.ReasonCode, 0, len(pkt.Subscriptions))
	type granted struct {
		sub     packet.Subscription
		qos     uint8
		existed bool
	}
	var grants []granted

	for _, sub := range pkt.Subscriptions {
		if err := topic.ValidateFilter(sub.TopicFilter); err != nil {
			if c.version == packet.VERSION500 {
				codes = append(codes, packet.ErrTopicFilterInvalid)
			} else {
				codes = append(codes, packet.ErrUnspecifiedError)
			}
			continue
		}
		if !srv.authn.CanSubscribe(c.user, sub.TopicFilter) {
			log.Warn().Str("client", c.clientID).Str("filter", sub.TopicFilter).Msg("subscribe not authorized")
			if c.version == packet.VERSION500 {
				codes = append(codes, packet.ErrNotAuthorized)
			} else {
				codes = append(codes, packet.ErrUnspecifiedError)
			}
			continue
		}
		qos := sub.MaximumQoS
		if qos > 2 {
			qos = 2
		}
		rec := &SubscriptionRecord{
			ClientID:          c.clientID,
			Filter:            sub.TopicFilter,
			QoS:               qos,
			NoLocal:           sub.NoLocal,
			RetainHandling:    sub.RetainHandling,
			RetainAsPublished: sub.RetainAsPublished,
		}
		existed, err := srv.subs.Subscribe(ctx, rec)
		if err != nil {
			codes = append(codes, packet.ErrUnspecifiedError)
			continue
		}
		srv.broadcastSubEvent(ctx, busSubEvent{
			ClientID:  c.clientID,
			Filter:    sub.TopicFilter,
			QoS:       qos,
			NoLocal:   sub.NoLocal,
			RetainPub: sub.RetainAsPublished,
		})
		codes = append(codes, [...]packet.ReasonCode{packet.GrantedQoS0, packet.GrantedQoS1, packet.GrantedQoS2}[qos])
		grants = append(grants, granted{sub: sub, qos: qos, existed: existed})
	}

	if err := c.send(&packet.SUBACK{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: SUBACK},
		PacketID:    pkt.PacketID,
		ReasonCodes: codes,
	}); err != nil {
		panic(ErrAbortHandler)
	}

	// Retained delivery obeys retain handling: 0 sends always, 1 only for
	// a filter the client did not already hold, 2 never [MQTT-3.3.1-10..12].
	for _, g := range grants {
		if g.sub.RetainHandling == 2 || (g.sub.RetainHandling == 1 && g.existed) {
			continue
		}
		c.sendRetained(ctx, g.sub.TopicFilter, g.qos, g.sub.RetainAsPublished)
	}
}

// sendRetained delivers the retained messages matching filter. The retain
// flag on the outbound copies mirrors retain-as-published.
func (c *conn) sendRetained(ctx context.Context, filter string, maxQoS uint8, rap bool) {
	retained, err := c.server.retained.Match(ctx, filter)
	if err != nil {
		log.Error().Err(err).Str("filter", filter).Msg("retained lookup failed")
		return
	}
	for _, r := range retained {
		qos := r.Message.QoS
		if maxQoS < qos {
			qos = maxQoS
		}
		c.deliver(r.Message, qos, rap, 0)
	}
}

func (c *conn) handleUnsubscribe(ctx context.Context, pkt *packet.UNSUBSCRIBE) {
	srv := c.server
	codes := make([]packet.ReasonCode, 0, len(pkt.TopicFilters))
	for _, filter := range pkt.TopicFilters {
		existed, err := srv.subs.Unsubscribe(ctx, c.clientID, filter)
		switch {
		case err != nil:
			codes = append(codes, packet.ErrUnspecifiedError)
		case !existed:
			codes = append(codes, packet.ErrNoSubscriptionExisted)
		default:
			srv.broadcastSubEvent(ctx, busSubEvent{ClientID: c.clientID, Filter: filter, Remove: true})
			codes = append(codes, packet.Success)
		}
	}
	_ = c.send(&packet.UNSUBACK{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: UNSUBACK},
		PacketID:    pkt.PacketID,
		ReasonCodes: codes,
	})
}

func (c *conn) handleDisconnect(ctx context.Context, pkt *packet.DISCONNECT) {
	// A normal disconnect discards the will [MQTT-3.14.4-3]; reason 0x04
	// asks for it to be published anyway.
	c.cleanClose = pkt.ReasonCode.Code != packet.DisconnectWithWill.Code

	if c.version == packet.VERSION500 && pkt.Props != nil && pkt.Props.SessionExpiryInterval > 0 {
		// A session that connected with expiry 0 cannot grow one on the way
		// out [MQTT-3.1.2-23].
		if c.sessionExpiry == 0 {
			c.abort(packet.ErrProtocolError)
		}
		c.sessionExpiry = pkt.Props.SessionExpiryInterval
		if max := c.server.Config.MaxSessionExpiry; max > 0 && c.sessionExpiry > max {
			c.sessionExpiry = max
		}
		if rec, err := c.server.store.GetSession(ctx, c.clientID); err == nil && rec != nil {
			rec.SessionExpiry = c.sessionExpiry
			_ = c.server.store.PutSession(ctx, rec)
		}
	}
	log.Info().Str("client", c.clientID).Msg("client disconnected")
	panic(ErrAbortHandler)
}
