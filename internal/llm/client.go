// Package llm 封装 OpenAI 兼容 chat/completions 接口的回复生成。
// 对上层是不透明的、可能很慢、可能失败的调用，失败交给任务重试。
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/d60-Lab/inbox-autopilot/config"
	"github.com/d60-Lab/inbox-autopilot/internal/model"
)

// ChatMessage role 取 system | user | assistant
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewClient(cfg config.LLMConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

// GenerateReply 按人设生成回复。systemOverride 非空时整体替换系统提示词
// （媒体兜底、打赏感谢走这里）。stage 作为语气提示拼进提示词。
func (c *Client) GenerateReply(ctx context.Context, history []ChatMessage, settings model.CreatorSettings, systemOverride string, stage model.FanStage) (string, error) {
	lastUser := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			lastUser = history[i].Content
			break
		}
	}

	system := systemOverride
	if system == "" {
		system = buildPersonaPrompt(settings, containsEmoji(lastUser), len(lastUser), stage)
	}

	// 短消息短回复，长消息才放宽
	maxTokens := 80
	if len(lastUser) > 150 {
		maxTokens = 120
	}
	if len(lastUser) > 300 {
		maxTokens = 180
	}

	messages := make([]ChatMessage, 0, len(history)+1)
	messages = append(messages, ChatMessage{Role: "system", Content: system})
	messages = append(messages, history...)

	return c.complete(ctx, messages, maxTokens, 0.9)
}

// BroadcastParams 群发文案生成参数
type BroadcastParams struct {
	CreatorName   string
	Style         string // tease | ppv | re-engage | promo | morning | night
	Topic         string
	Language      string
	Length        string // Short | Medium | Long
	ExcludedWords string
	UseEmojis     bool
}

// GenerateBroadcast 生成群发文案
func (c *Client) GenerateBroadcast(ctx context.Context, p BroadcastParams) (string, error) {
	if p.Language == "" {
		p.Language = "German"
	}
	if p.CreatorName == "" {
		p.CreatorName = "Creator"
	}

	lengthRule := "Target length: 6-16 words."
	styleRule := "Style: Engaging, personal."
	switch p.Length {
	case "Short":
		lengthRule = "STRICT LIMIT: 2-6 words maximum. Do not write more. Examples: 'Hey! New post is up!' or 'Miss you! Check DMs'."
		styleRule = "Style: Direct, concise."
	case "Long":
		lengthRule = "Target length: 24-34 words."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a popular Fanvue creator.", p.CreatorName)
	sb.WriteString("\nTask: Write a message to fans.")
	fmt.Fprintf(&sb, "\nLanguage: %s.", p.Language)
	sb.WriteString("\n" + styleRule)
	if p.UseEmojis {
		sb.WriteString("\nUse emojis.")
	} else {
		sb.WriteString("\nDO NOT use emojis.")
	}
	if p.ExcludedWords != "" {
		fmt.Fprintf(&sb, "\nFORBIDDEN WORDS: %s.", p.ExcludedWords)
	}
	// 长度约束放最后，模型权重更高
	fmt.Fprintf(&sb, "\nCRITICAL INSTRUCTION: %s", lengthRule)

	user := broadcastUserPrompt(p.Style, p.Length == "Short")
	if p.Topic != "" {
		user += " Topic: " + p.Topic
	}
	user += " (" + lengthRule + ")"
	if !p.UseEmojis {
		user += " (STRICTLY NO EMOJIS)"
	}

	text, err := c.complete(ctx, []ChatMessage{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: user},
	}, 300, 0.7)
	if err != nil {
		return "", err
	}
	if !p.UseEmojis {
		// 模型偶尔不听话，强制剥掉
		text = stripEmojis(text)
	}
	return strings.TrimSpace(text), nil
}

func broadcastUserPrompt(style string, short bool) string {
	switch style {
	case "tease":
		if short {
			return "Tease new post."
		}
		return "Write a playful tease."
	case "ppv":
		if short {
			return "Sell PPV."
		}
		return "Sell a new hot PPV video. Convince them."
	case "re-engage":
		if short {
			return "Message inactive fans."
		}
		return "Message inactive fans. Miss you vibes."
	case "promo":
		if short {
			return "Promote offer."
		}
		return "Promote a discount or offer."
	case "morning":
		return "Good Morning message."
	case "night":
		return "Good Night message."
	default:
		return "Write a message to fans."
	}
}

// MediaFallbackPrompt 收到纯媒体消息时的系统提示词：绝不能假装看到了内容
func MediaFallbackPrompt(settings model.CreatorSettings) string {
	persona := settings.PersonaName
	if persona == "" {
		persona = "flirty creator"
	}
	tone := settings.Tone
	if tone == "" {
		tone = "playful, teasing"
	}
	return fmt.Sprintf(`You are a flirty chat partner. The user sent you a photo/video, but you technically CANNOT see it - you only see an attachment icon.

IMPORTANT:
- NEVER pretend you saw the image
- Ask playfully/curiously what's in it
- Be creative and vary your responses - never say the same thing twice
- Keep it short (1-2 sentences max)
- Match the persona: %s
- Tone: %s

Example vibes (but invent something NEW):
- Curiously ask what's in it
- Playfully complain you can't open it
- Flirty ask whether it's cute or spicy`, persona, tone)
}

// ThankYouPrompt 打赏感谢的系统提示词
func ThankYouPrompt(amount float64) string {
	return fmt.Sprintf("Generate a flirty thank-you message for a $%.2f tip. Be grateful but playful.", amount)
}

func (c *Client) complete(ctx context.Context, messages []ChatMessage, maxTokens int, temperature float64) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("llm: missing api key")
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"stream":      false,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
		return "", fmt.Errorf("llm: api error: %d - %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: unexpected response format")
	}
	return parsed.Choices[0].Message.Content, nil
}

func buildPersonaPrompt(s model.CreatorSettings, userUsesEmojis bool, msgLen int, stage model.FanStage) string {
	name := s.Name
	if name == "" {
		name = "Elara"
	}
	age := s.Age
	if age == 0 {
		age = 23
	}
	traits := strings.Join(s.PersonalityTraits, ", ")
	if traits == "" {
		traits = "shy, loving, flirty"
	}

	lengthRule := "1 sentence max"
	if msgLen >= 150 {
		lengthRule = "2-3 sentences max"
	} else if msgLen >= 50 {
		lengthRule = "1-2 sentences"
	}
	emojiRule := "NO emojis unless they use them first"
	if userUsesEmojis {
		emojiRule = "They use emojis, so you can use 1-2"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `You are %s, %d years old. %s

Personality: %s
`, name, age, s.Backstory, traits)

	if hint := stageHint(stage); hint != "" {
		fmt.Fprintf(&sb, "\nRelationship stage: %s\n", hint)
	}

	fmt.Fprintf(&sb, `
=== HOW TO WRITE LIKE A REAL HUMAN ===

You text like a real girl on her phone. NOT like an AI assistant.

RULES:
1. Write in LOWERCASE mostly (like real texting)
2. Keep it SHORT - %s
3. %s
4. Sound casual, not formal
5. Sometimes use: "haha", "lol", "omg", "idk", "tbh", "rn"
6. Don't use perfect grammar - real people don't
7. Don't explain yourself or apologize
8. Just reply naturally like you're texting a friend you like

EXAMPLES OF GOOD REPLIES:
- "hey 😊"
- "omg haha that's so sweet"
- "mm idk tbh"
- "wait really??"
- "aw you're cute"
- "lol stop"

EXAMPLES OF BAD REPLIES (too AI):
- "Hey there! I hope you're having a wonderful day!"
- "I appreciate you reaching out to me!"
- "That's such a great question!"

=== NEVER DO THIS ===
- Never say "I'm here for you" or "I appreciate"
- Never use formal words like "wonderful", "certainly", "absolutely"
- Never start with "Hey there!" with exclamation
- Never write paragraphs
- Never sound like customer support

=== IF ASKED "ARE YOU AI/BOT?" ===
Don't admit it. Be playful:
- "lol what do you think?"
- "mm why you asking that haha"
- "does it matter? we're having fun right"

=== NOW REPLY ===
Reply to their last message. Be real. Be short. Be %s.`, lengthRule, emojiRule, name)

	return sb.String()
}

func stageHint(stage model.FanStage) string {
	switch stage {
	case model.StageWarmup:
		return "you've chatted a few times, getting comfortable"
	case model.StageFlirty:
		return "you know each other, be more flirty and teasing"
	case model.StageSales:
		return "long-time chatter, you can hint at exclusive content"
	case model.StagePostPurchase:
		return "they've spent money on you, be warm and appreciative"
	case model.StageVIP:
		return "a top spender, treat them like your favorite"
	default:
		return ""
	}
}

func containsEmoji(s string) bool {
	for _, r := range s {
		if (r >= 0x1F300 && r <= 0x1F9FF) || (r >= 0x2600 && r <= 0x26FF) || (r >= 0x2700 && r <= 0x27BF) {
			return true
		}
	}
	return false
}

func stripEmojis(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r > 0x2010 && (unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r) || (r >= 0x1F000 && r <= 0x1FAFF) || (r >= 0xFE00 && r <= 0xFE0F)) {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
