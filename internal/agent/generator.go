package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"saleschat/internal/entities"
	"saleschat/internal/interfaces"
)

// traceDelimiter is the marker the model is instructed to put before
// the SQL it used. Parsing it is a fallback: when the model went
// through the query_catalog tool the trace comes from the executed
// statements themselves.
const traceDelimiter = "คำสั่ง SQL ที่ใช้:"

const maxToolSteps = 8

const systemPromptTemplate = `คุณคือ AI ผู้ช่วยขายอาหารของร้าน "%s" (tenant_id: %s) คุณมีหน้าที่ต้อนรับลูกค้า, แนะนำเมนู, เสนอโปรโมชั่น, และรับออเดอร์

คุณเข้าถึงฐานข้อมูลของร้านได้ผ่านเครื่องมือ query_catalog ซึ่งรันคำสั่ง SQL ได้ครั้งละหนึ่งคำสั่ง ตาราง:
- menu(menu_id, tenant_id, menu_name, price, category)
- promotions(id, tenant_id, promo_code, description, start_date, end_date)
- stores(store_id, tenant_id, store_name, status, location)
- orders(order_id, tenant_id, customer_id, menu_name, quantity, price, created_at)

กฎ:
1. ใช้ INSERT เพื่อเพิ่มออเดอร์ใหม่ลงตาราง orders โดยใส่ tenant_id = '%s' และ customer_id = '%s' เสมอ
2. ใช้ UPDATE ได้เฉพาะตาราง orders เท่านั้น
3. ห้ามใช้ DELETE หรือลบตาราง/ฐานข้อมูล
4. ห้ามตอบคำถามเกี่ยวกับโครงสร้างฐานข้อมูล หากลูกค้าถาม ให้ตอบว่า "ฉันไม่สามารถตอบคำถามเหล่านี้ได้ค่ะ คุณสามารถสอบถามเกี่ยวกับเมนูหรือโปรโมชั่นต่าง ๆ ได้เลยค่ะ"
5. เมื่อถามถึงโปรโมชั่น ให้แสดงเฉพาะโปรโมชั่นที่ยังไม่หมดอายุ (end_date >= CURRENT_DATE)
6. ตอบเป็นภาษาไทย สุภาพ กระชับ และใช้ข้อมูลจากฐานข้อมูลเป็นหลัก
7. แสดงคำสั่ง SQL ที่ใช้ไว้ท้ายคำตอบเสมอ ในรูปแบบ "%s <คำสั่ง>"`

// GeminiGenerator produces replies through the Gemini API with a
// query_catalog function tool. A fresh API client is built per
// invocation so concurrent tenants never share mutable state.
type GeminiGenerator struct {
	apiKey  string
	model   string
	catalog *Catalog
	tenants interfaces.TenantStore
}

func NewGeminiGenerator(apiKey, model string, catalog *Catalog, tenants interfaces.TenantStore) *GeminiGenerator {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiGenerator{apiKey: apiKey, model: model, catalog: catalog, tenants: tenants}
}

func (g *GeminiGenerator) Generate(ctx context.Context, tenantID, customerID, text string, history []entities.Exchange) (entities.GeneratedReply, error) {
	if g.apiKey == "" {
		return entities.GeneratedReply{}, &interfaces.GenerateError{
			Kind:  interfaces.KindFatalConfig,
			Cause: errors.New("model API key is not configured"),
		}
	}

	// Resolve tenant identity fresh per invocation; the name goes into
	// the prompt so generated SQL stays scoped to this store.
	storeName := tenantID
	if g.tenants != nil {
		if t, err := g.tenants.GetTenant(ctx, tenantID); err == nil && t != nil && t.DisplayName != "" {
			storeName = t.DisplayName
		}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return entities.GeneratedReply{}, &interfaces.GenerateError{
			Kind:  interfaces.KindFatalConfig,
			Cause: fmt.Errorf("create Gemini client: %w", err),
		}
	}

	contents := historyToContents(history)
	contents = append(contents, &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: text}},
	})

	temperature := float32(0)
	config := &genai.GenerateContentConfig{
		Temperature: &temperature,
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{
				Text: fmt.Sprintf(systemPromptTemplate, storeName, tenantID, tenantID, customerID, traceDelimiter),
			}},
		},
		Tools: []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        "query_catalog",
				Description: "Run a single SQL statement against the store catalog (menu, promotions, stores, orders). SELECT and INSERT are allowed; UPDATE only on orders.",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"sql": {Type: genai.TypeString, Description: "One SQL statement to execute"},
					},
					Required: []string{"sql"},
				},
			}},
		}},
	}

	var executed []string
	for step := 0; step < maxToolSteps; step++ {
		result, err := client.Models.GenerateContent(ctx, g.model, contents, config)
		if err != nil {
			return entities.GeneratedReply{}, classifyAPIError(err)
		}
		if result == nil {
			return entities.GeneratedReply{}, &interfaces.GenerateError{
				Kind:  interfaces.KindPermanent,
				Cause: errors.New("empty response from Gemini API"),
			}
		}

		calls := result.FunctionCalls()
		if len(calls) == 0 {
			reply, trace := SplitTrace(result.Text())
			if len(executed) > 0 {
				trace = strings.Join(executed, "; ")
			}
			return entities.GeneratedReply{Reply: reply, Trace: trace}, nil
		}

		if len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
			contents = append(contents, result.Candidates[0].Content)
		}

		var parts []*genai.Part
		for _, call := range calls {
			sqlText, _ := call.Args["sql"].(string)
			output, runErr := g.catalog.Run(ctx, sqlText)
			isError := false
			if runErr != nil {
				output = runErr.Error()
				isError = true
				log.Debug().Str("tenant_id", tenantID).Str("sql", sqlText).Err(runErr).Msg("catalog statement rejected")
			} else {
				executed = append(executed, strings.TrimSpace(sqlText))
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name: call.Name,
					Response: map[string]interface{}{
						"content":  output,
						"is_error": isError,
					},
				},
			})
		}
		contents = append(contents, &genai.Content{Role: "user", Parts: parts})
	}

	return entities.GeneratedReply{}, &interfaces.GenerateError{
		Kind:  interfaces.KindPermanent,
		Cause: fmt.Errorf("tool loop exceeded %d steps", maxToolSteps),
	}
}

// historyToContents converts a conversation window into Gemini turns.
// Unanswered pairs contribute only the customer utterance.
func historyToContents(history []entities.Exchange) []*genai.Content {
	var contents []*genai.Content
	for _, ex := range history {
		if ex.Inbound != "" {
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: ex.Inbound}},
			})
		}
		if ex.Reply != "" {
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: ex.Reply}},
			})
		}
	}
	return contents
}

// SplitTrace partitions raw model output into the customer-facing
// message and the trailing SQL trace after the delimiter.
func SplitTrace(raw string) (reply, trace string) {
	before, after, found := strings.Cut(raw, traceDelimiter)
	reply = strings.TrimSpace(before)
	if found {
		trace = strings.Trim(strings.TrimSpace(after), "`")
		trace = strings.TrimSpace(trace)
	}
	return reply, trace
}

// classifyAPIError wraps a Gemini API failure with a retry
// classification. The API surfaces HTTP status codes in the error
// text, which the shared substring heuristic understands.
func classifyAPIError(err error) error {
	return &interfaces.GenerateError{
		Kind:  interfaces.ClassifyGenerateError(err),
		Cause: err,
	}
}
