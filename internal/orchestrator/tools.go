package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/invopop/jsonschema"

	"github.com/0rca-network/0rca-chat-sub000/internal/llm"
)

// ToolFunc 执行一次工具调用，实参为 JSON 编码。
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Registry 是一次编排可用的工具集合：固定的通用工具加上按代理动态生成的
// 委派工具。注册顺序即暴露给模型的声明顺序。
type Registry struct {
	order []string
	tools map[string]registryEntry
}

type registryEntry struct {
	def llm.Tool
	run ToolFunc
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registryEntry)}
}

// Register 注册一个工具。名字冲突时追加后缀使其唯一，并返回实际注册名。
func (r *Registry) Register(def llm.Tool, run ToolFunc) string {
	name := def.Name
	for i := 2; ; i++ {
		if _, exists := r.tools[name]; !exists {
			break
		}
		name = fmt.Sprintf("%s_%d", def.Name, i)
	}
	def.Name = name
	r.order = append(r.order, name)
	r.tools[name] = registryEntry{def: def, run: run}
	return name
}

// Definitions 返回按注册顺序排列的工具声明。
func (r *Registry) Definitions() []llm.Tool {
	defs := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Len 返回注册的工具数量。
func (r *Registry) Len() int {
	return len(r.order)
}

// Invoke 执行指定工具。未知工具名返回错误。
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	entry, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("未注册的工具: %s", name)
	}
	return entry.run(ctx, args)
}

var toolHTTPClient = &http.Client{Timeout: 15 * time.Second}

type weatherArgs struct {
	Location string `json:"location"`
}

type searchArgs struct {
	Query string `json:"query"`
}

type stockArgs struct {
	Symbol string `json:"symbol"`
}

// mustSchema 反射出参数结构体的 JSON Schema，并补充字段描述。
// 模式在进程启动时构建，失败属于编程错误，直接 panic。
func mustSchema(v any, descriptions map[string]string) json.RawMessage {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(v)
	for field, desc := range descriptions {
		if prop, ok := schema.Properties.Get(field); ok {
			prop.Description = desc
		}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("marshal tool schema: %v", err))
	}
	return data
}

// registerGenericTools 挂载与具体代理无关的通用能力工具。
func registerGenericTools(r *Registry) {
	r.Register(llm.Tool{
		Name:        "getWeather",
		Description: "Get the current weather for a specific location",
		Parameters:  mustSchema(&weatherArgs{}, map[string]string{"location": "The city and country, e.g., San Francisco, USA"}),
	}, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args weatherArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("解析 getWeather 实参失败: %w", err)
		}
		return fetchWeather(ctx, args.Location)
	})

	r.Register(llm.Tool{
		Name:        "searchWeb",
		Description: "Search the web for information",
		Parameters:  mustSchema(&searchArgs{}, map[string]string{"query": "The search query"}),
	}, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args searchArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("解析 searchWeb 实参失败: %w", err)
		}
		return searchWeb(ctx, args.Query)
	})

	r.Register(llm.Tool{
		Name:        "getStockPrice",
		Description: "Get the current stock price for a symbol",
		Parameters:  mustSchema(&stockArgs{}, map[string]string{"symbol": "The stock ticker symbol, e.g., AAPL"}),
	}, func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args stockArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("解析 getStockPrice 实参失败: %w", err)
		}
		// 行情数据源尚未接入，返回演示数据。
		return fmt.Sprintf("The current price of %s is $150.00. (Mock Data)", strings.ToUpper(args.Symbol)), nil
	})
}

// fetchWeather 通过 wttr.in 查询简要天气。
func fetchWeather(ctx context.Context, location string) (string, error) {
	endpoint := fmt.Sprintf("https://wttr.in/%s?format=3", url.PathEscape(location))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("构造天气请求失败: %w", err)
	}
	resp, err := toolHTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("查询天气失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("天气服务返回状态 %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("读取天气响应失败: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// searchWeb 抓取 DuckDuckGo 的 HTML 结果页并抽取前几条结果。
func searchWeb(ctx context.Context, query string) (string, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("构造搜索请求失败: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; orca-orchestrator)")

	resp, err := toolHTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("搜索失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("搜索服务返回状态 %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("解析搜索结果失败: %w", err)
	}

	var results []string
	doc.Find(".result").EachWithBreak(func(i int, s *goquery.Selection) bool {
		title := strings.TrimSpace(s.Find(".result__a").Text())
		snippet := strings.TrimSpace(s.Find(".result__snippet").Text())
		if title != "" {
			results = append(results, fmt.Sprintf("%d. %s: %s", len(results)+1, title, snippet))
		}
		return len(results) < 3
	})
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}
	return fmt.Sprintf("Top results for %q:\n%s", query, strings.Join(results, "\n")), nil
}
