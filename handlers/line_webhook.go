package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log"
	"os"

	"agentbill_go/services"

	"github.com/gofiber/fiber/v2"
	"github.com/line/line-bot-sdk-go/linebot"
	"gorm.io/gorm"
)

// LineWebhookHandler receives LINE platform events. Join events bind the
// group to an agency so overdue notifications reach the agency's LINE group.
type LineWebhookHandler struct {
	DB  *gorm.DB
	Bot *linebot.Client
}

func NewLineWebhookHandler(db *gorm.DB) *LineWebhookHandler {
	secret := os.Getenv("LINE_CHANNEL_SECRET")
	token := os.Getenv("LINE_CHANNEL_ACCESS_TOKEN")

	if secret == "" || token == "" {
		log.Println("LINE credentials missing: webhook disabled")
		return &LineWebhookHandler{DB: db, Bot: nil}
	}

	bot, err := linebot.New(secret, token)
	if err != nil {
		log.Fatalf("cannot create LINE bot client: %v", err)
	}
	return &LineWebhookHandler{DB: db, Bot: bot}
}

// Handle processes one webhook delivery. Responds 200 before the events are
// handled so the LINE platform does not retry while we work.
func (h *LineWebhookHandler) Handle(c *fiber.Ctx) error {
	if h.Bot == nil {
		return c.SendStatus(fiber.StatusOK)
	}

	signature := c.Get("X-Line-Signature")
	if signature == "" {
		return c.SendStatus(fiber.StatusBadRequest)
	}

	if !validateSignature(os.Getenv("LINE_CHANNEL_SECRET"), c.Body(), signature) {
		log.Println("LINE webhook signature mismatch")
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	go h.processEvents(append([]byte(nil), c.Body()...))

	return c.SendStatus(fiber.StatusOK)
}

func (h *LineWebhookHandler) processEvents(body []byte) {
	var webhook struct {
		Events []*linebot.Event `json:"events"`
	}
	if err := json.Unmarshal(body, &webhook); err != nil {
		log.Printf("Failed to parse LINE event JSON: %v", err)
		return
	}

	matcher := services.NewLineGroupMatcher()

	for _, event := range webhook.Events {
		switch event.Type {
		case linebot.EventTypeJoin:
			groupID := event.Source.GroupID
			if groupID == "" {
				continue
			}

			summary, err := h.Bot.GetGroupSummary(groupID).Do()
			if err != nil {
				log.Printf("Failed to get LINE group summary: %v", err)
				continue
			}

			log.Printf("Bot joined LINE group: %s (%s)", summary.GroupName, groupID)
			if agency := matcher.MatchGroupToAgency(groupID, summary.GroupName); agency == nil {
				msg := linebot.NewTextMessage("This group is not linked to any agency yet. Rename the group to match your agency name or code.")
				if _, err := h.Bot.PushMessage(groupID, msg).Do(); err != nil {
					log.Printf("Failed to send linking hint to group %s: %v", groupID, err)
				}
			}

		case linebot.EventTypeLeave:
			groupID := event.Source.GroupID
			if groupID == "" {
				continue
			}
			log.Printf("Bot left LINE group: %s", groupID)
			matcher.UnlinkGroup(groupID)
		}
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func validateSignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(computeSignature(secret, body)))
}
