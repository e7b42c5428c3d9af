package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hako/durafmt"
)

// discordNotifier pushes fleet milestones and throttle alerts to a Discord
// channel. Entirely optional: a nil notifier is a no-op, and send failures
// only log. Sends go through a queue so worker cycles never block on the
// Discord API.
type discordNotifier struct {
	dg              *discordgo.Session
	notifyChannelID string
	milestoneEvery  int

	queue    chan string
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newDiscordNotifier(cfg Config) (*discordNotifier, error) {
	token := strings.TrimSpace(cfg.DiscordBotToken)
	channel := strings.TrimSpace(cfg.DiscordNotifyChannelID)
	if token == "" || channel == "" {
		return nil, nil
	}

	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds)
	if err := dg.Open(); err != nil {
		return nil, err
	}

	n := &discordNotifier{
		dg:              dg,
		notifyChannelID: channel,
		milestoneEvery:  cfg.DiscordMilestoneEvery,
		queue:           make(chan string, 64),
		done:            make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	logger.Info("discord notifier connected", "channel", channel)
	return n, nil
}

func (n *discordNotifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case msg := <-n.queue:
			if _, err := n.dg.ChannelMessageSendComplex(n.notifyChannelID, &discordgo.MessageSend{
				Content:         msg,
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			}); err != nil {
				logger.Warn("discord notify failed", "error", err)
			}
		}
	}
}

func (n *discordNotifier) enqueue(msg string) {
	if n == nil {
		return
	}
	select {
	case n.queue <- msg:
	default:
		logger.Debug("discord notify queue full, message dropped")
	}
}

// voteMilestone announces every milestoneEvery-th verified vote a worker
// accumulates.
func (n *discordNotifier) voteMilestone(workerID, totalVotes int) {
	if n == nil || n.milestoneEvery <= 0 || totalVotes <= 0 || totalVotes%n.milestoneEvery != 0 {
		return
	}
	n.enqueue(fmt.Sprintf("worker %d reached %d votes", workerID, totalVotes))
}

func (n *discordNotifier) globalThrottle(evt throttleEvent) {
	if n == nil {
		return
	}
	wait := durafmt.Parse(time.Until(evt.ReactivateAt).Round(time.Second)).LimitFirstN(2)
	n.enqueue(fmt.Sprintf("global throttle hit (worker %d), fleet paused, resuming in %s", evt.WorkerID, wait))
}

func (n *discordNotifier) Stop() {
	if n == nil {
		return
	}
	n.stopOnce.Do(func() {
		close(n.done)
		n.wg.Wait()
		_ = n.dg.Close()
	})
}
