package mq

import "github.com/gonzalop/mqproto/internal/packets"

// applyTopicAlias applies topic alias optimization to a publish packet.
// This is called automatically when WithAlias() is used.
//
// On first publish to a topic:
//   - Assigns a new alias ID
//   - Sends both topic and alias
//
// On subsequent publishes:
//   - Uses existing alias
//   - Sends empty topic (bandwidth savings)
//
// If alias limit is reached, gracefully falls back to sending full topic.
func (c *Client) applyTopicAlias(pkt *packets.PublishPacket) {
	c.topicAliasesLock.Lock()
	defer c.topicAliasesLock.Unlock()

	// Check if aliases are disabled
	if c.maxAliases == 0 {
		return
	}

	// Check if we already have an alias for this topic
	if aliasID, exists := c.topicAliases[pkt.Topic]; exists {
		// Use existing alias - send empty topic
		if pkt.Properties == nil {
			pkt.Properties = &packets.Properties{}
		}
		pkt.Properties.TopicAlias = aliasID
		pkt.Properties.Presence |= packets.PresTopicAlias
		pkt.Topic = "" // Empty topic when using alias
		c.opts.Logger.Debug("using topic alias", "alias_id", aliasID)
		return
	}

	// Check if we can allocate a new alias
	if c.nextAliasID > c.maxAliases {
		// At limit - just send full topic (graceful degradation)
		c.opts.Logger.Debug("topic alias limit reached, sending full topic",
			"limit", c.maxAliases)
		return
	}

	// Allocate new alias
	aliasID := c.nextAliasID
	c.nextAliasID++
	c.topicAliases[pkt.Topic] = aliasID

	// Send both topic and alias on first use
	if pkt.Properties == nil {
		pkt.Properties = &packets.Properties{}
	}
	pkt.Properties.TopicAlias = aliasID
	pkt.Properties.Presence |= packets.PresTopicAlias
	// Keep pkt.Topic as-is for first message
	c.opts.Logger.Debug("assigned new topic alias",
		"topic", pkt.Topic,
		"alias_id", aliasID,
		"total_aliases", len(c.topicAliases))
}

// resetAllTopicAliases clears the topic alias table from the previous
// connection and repairs any outgoing or pending packet that referenced one
// of its aliases. Topic aliases are scoped to a single network connection;
// reusing one after a reconnect would address the wrong topic on the new
// connection.
func (c *Client) resetAllTopicAliases() {
	c.topicAliasesLock.Lock()
	reverse := make(map[uint16]string, len(c.topicAliases))
	for topic, aliasID := range c.topicAliases {
		reverse[aliasID] = topic
	}
	c.topicAliases = make(map[string]uint16)
	c.nextAliasID = 1
	c.topicAliasesLock.Unlock()

	if len(reverse) == 0 {
		return
	}

	if c.outgoing != nil {
		n := len(c.outgoing)
		for i := 0; i < n; i++ {
			pkt := <-c.outgoing
			if pub, ok := pkt.(*packets.PublishPacket); ok {
				restoreAliasedTopic(pub, reverse)
			}
			c.outgoing <- pkt
		}
	}

	if c.pending != nil {
		c.sessionLock.Lock()
		for _, op := range c.pending {
			if pub, ok := op.packet.(*packets.PublishPacket); ok {
				restoreAliasedTopic(pub, reverse)
			}
		}
		c.sessionLock.Unlock()
	}
}

// restoreAliasedTopic restores pkt's topic from reverse (keyed by alias ID)
// if the packet was relying on an alias to carry it, and strips the alias
// property so it is never resent against the wrong connection.
func restoreAliasedTopic(pkt *packets.PublishPacket, reverse map[uint16]string) {
	if pkt.Properties == nil || pkt.Properties.Presence&packets.PresTopicAlias == 0 {
		return
	}
	if pkt.Topic == "" {
		if topic, ok := reverse[pkt.Properties.TopicAlias]; ok {
			pkt.Topic = topic
		}
	}
	pkt.Properties.TopicAlias = 0
	pkt.Properties.Presence &^= packets.PresTopicAlias
}
