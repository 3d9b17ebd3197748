package fanvue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
)

// CustomList 创作者自建的粉丝列表
type CustomList struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	MembersCount int    `json:"membersCount"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

// SmartList Fanvue 内置的动态列表（按 type 标识）
type SmartList struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Count       int    `json:"count"`
}

// KnownSmartLists 接口全挂时的静态兜底
var KnownSmartLists = []SmartList{
	{Type: "ALL_CONTACTS", Name: "All contacts"},
	{Type: "ONLINE", Name: "Online"},
	{Type: "FOLLOWERS", Name: "Followers"},
	{Type: "SUBSCRIBERS", Name: "Subscribers"},
	{Type: "NON_RENEWING", Name: "Non-renewing"},
	{Type: "AUTO_RENEWING", Name: "Auto-renewing"},
	{Type: "EXPIRED_SUBSCRIBERS", Name: "Expired subscribers"},
	{Type: "FREE_TRIAL_SUBSCRIBERS", Name: "Free trial subscribers"},
	{Type: "SPENT_MORE_THAN", Name: "Spent more than $50"},
}

// page 覆盖已见过的响应形状：
// {items,nextCursor} / {data:{items,nextCursor}} / {data:[...]} /
// {result:{data:{json:{items,nextCursor}}}} (tRPC) / 顶层数组
type page struct {
	items      []json.RawMessage
	nextCursor *int
	hasMore    bool
}

func parsePage(raw []byte) page {
	var top struct {
		Items      []json.RawMessage `json:"items"`
		NextCursor *int              `json:"nextCursor"`
		Data       json.RawMessage   `json:"data"`
		Pagination *struct {
			HasMore bool `json:"hasMore"`
		} `json:"pagination"`
		Result *struct {
			Data struct {
				JSON struct {
					Items      []json.RawMessage `json:"items"`
					NextCursor *int              `json:"nextCursor"`
				} `json:"json"`
			} `json:"data"`
		} `json:"result"`
	}

	var topArray []json.RawMessage
	if err := json.Unmarshal(raw, &topArray); err == nil {
		return page{items: topArray}
	}
	if err := json.Unmarshal(raw, &top); err != nil {
		return page{}
	}

	p := page{}
	if top.Pagination != nil {
		p.hasMore = top.Pagination.HasMore
	}

	switch {
	case len(top.Items) > 0 || top.NextCursor != nil:
		p.items = top.Items
		p.nextCursor = top.NextCursor
	case top.Result != nil && len(top.Result.Data.JSON.Items) > 0:
		p.items = top.Result.Data.JSON.Items
		p.nextCursor = top.Result.Data.JSON.NextCursor
	case len(top.Data) > 0:
		var dataArr []json.RawMessage
		if json.Unmarshal(top.Data, &dataArr) == nil {
			p.items = dataArr
			break
		}
		var nested struct {
			Items      []json.RawMessage `json:"items"`
			NextCursor *int              `json:"nextCursor"`
		}
		if json.Unmarshal(top.Data, &nested) == nil {
			p.items = nested.Items
			p.nextCursor = nested.NextCursor
		}
	}
	return p
}

// GetCustomLists 逐个 endpoint 变体尝试，自动识别分页风格
func (c *Client) GetCustomLists(ctx context.Context, accessToken, creatorUserUUID string) ([]CustomList, error) {
	var candidates []string
	if creatorUserUUID != "" {
		candidates = append(candidates, fmt.Sprintf("%s/creators/%s/chats/lists/custom", c.baseURL, url.PathEscape(creatorUserUUID)))
	}
	candidates = append(candidates, c.baseURL+"/chats/lists/custom")

	var lastErr error
	for _, base := range candidates {
		lists, err := c.fetchCustomLists(ctx, accessToken, base)
		if err != nil {
			lastErr = err
			continue
		}
		return lists, nil
	}
	return nil, fmt.Errorf("fanvue: custom lists failed on all endpoint variants: %w", lastErr)
}

func (c *Client) fetchCustomLists(ctx context.Context, accessToken, base string) ([]CustomList, error) {
	type pagingMode int
	const (
		modeUnknown pagingMode = iota
		modeCursor
		modePage
		modeSingle
	)

	var all []CustomList
	mode := modeUnknown
	cursor := 0
	pageNum := 1
	const pageSize = 50

	for i := 0; i < 50; i++ {
		u := base
		switch mode {
		case modeCursor:
			u = fmt.Sprintf("%s?cursor=%d&direction=forward", base, cursor)
		case modePage:
			u = fmt.Sprintf("%s?page=%d&size=%d", base, pageNum, pageSize)
		case modeSingle:
			return all, nil
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		status, raw, err := c.do(ctx, http.MethodGet, u, accessToken, nil)
		if err != nil {
			return nil, err
		}
		logProbe("custom_lists", u, status)
		if status != http.StatusOK {
			return nil, fmt.Errorf("fanvue: custom lists failed %d: %s", status, truncate(raw, 300))
		}

		p := parsePage(raw)
		if mode == modeUnknown {
			switch {
			case p.nextCursor != nil:
				mode = modeCursor
			case p.hasMore || pageHasPagination(raw):
				mode = modePage
			default:
				mode = modeSingle
			}
		}

		for _, it := range p.items {
			var x struct {
				UUID         string `json:"uuid"`
				ID           string `json:"id"`
				Name         string `json:"name"`
				MembersCount int    `json:"membersCount"`
				MembersSnake int    `json:"members_count"`
				CreatedAt    string `json:"createdAt"`
			}
			if json.Unmarshal(it, &x) != nil {
				continue
			}
			id := x.UUID
			if id == "" {
				id = x.ID
			}
			count := x.MembersCount
			if count == 0 {
				count = x.MembersSnake
			}
			if id == "" || x.Name == "" {
				continue
			}
			all = append(all, CustomList{UUID: id, Name: x.Name, MembersCount: count, CreatedAt: x.CreatedAt})
		}

		switch mode {
		case modeCursor:
			if p.nextCursor == nil {
				return all, nil
			}
			cursor = *p.nextCursor
		case modePage:
			if !p.hasMore {
				return all, nil
			}
			pageNum++
		default:
			return all, nil
		}
	}
	return all, nil
}

func pageHasPagination(raw []byte) bool {
	var probe struct {
		Pagination *struct {
			HasMore *bool `json:"hasMore"`
		} `json:"pagination"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.Pagination != nil && probe.Pagination.HasMore != nil
}

// GetSmartLists 变体全失败时返回 KnownSmartLists 兜底而不是报错
func (c *Client) GetSmartLists(ctx context.Context, accessToken, creatorUserUUID string) []SmartList {
	var candidates []string
	if creatorUserUUID != "" {
		candidates = append(candidates, fmt.Sprintf("%s/creators/%s/chats/lists/smart", c.baseURL, url.PathEscape(creatorUserUUID)))
	}
	candidates = append(candidates, c.baseURL+"/chats/lists/smart")

	for _, u := range candidates {
		if err := c.limiter.Wait(ctx); err != nil {
			return KnownSmartLists
		}
		status, raw, err := c.do(ctx, http.MethodGet, u, accessToken, nil)
		if err != nil {
			continue
		}
		logProbe("smart_lists", u, status)
		if status != http.StatusOK {
			continue
		}

		p := parsePage(raw)
		var lists []SmartList
		for _, it := range p.items {
			var x struct {
				Type         string `json:"type"`
				ID           string `json:"id"`
				UUID         string `json:"uuid"`
				Name         string `json:"name"`
				Title        string `json:"title"`
				Description  string `json:"description"`
				Count        int    `json:"count"`
				MembersCount int    `json:"membersCount"`
				MemberCount  int    `json:"memberCount"`
				Total        int    `json:"total"`
			}
			if json.Unmarshal(it, &x) != nil {
				continue
			}
			typ := firstNonEmpty(x.Type, x.ID, x.UUID)
			name := firstNonEmpty(x.Name, x.Title)
			if typ == "" || name == "" {
				continue
			}
			count := x.Count
			for _, alt := range []int{x.MembersCount, x.MemberCount, x.Total} {
				if count == 0 {
					count = alt
				}
			}
			lists = append(lists, SmartList{Type: typ, Name: name, Description: x.Description, Count: count})
		}
		if len(lists) > 0 {
			return lists
		}
	}
	return KnownSmartLists
}

// ListRefs mass message 的受众引用
type ListRefs struct {
	// Fanvue 不同账号接受 smartListTypes 或 smartListUuids，
	// 序列化前会互相镜像，两个字段都发避免 "At least one list must be provided"
	SmartListTypes  []string `json:"smartListTypes,omitempty"`
	SmartListUUIDs  []string `json:"smartListUuids,omitempty"`
	CustomListUUIDs []string `json:"customListUuids,omitempty"`
}

type MassMessageRequest struct {
	Text          string    `json:"text"`
	IncludedLists ListRefs  `json:"includedLists"`
	ExcludedLists *ListRefs `json:"excludedLists,omitempty"`
}

type MassMessageResult struct {
	Sent      int
	Failed    int
	MessageID string
}

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func mirrorSmartLists(r ListRefs) ListRefs {
	smart := r.SmartListUUIDs
	if len(smart) == 0 {
		smart = r.SmartListTypes
	}
	if len(smart) > 0 {
		r.SmartListTypes = smart
		r.SmartListUUIDs = smart
	}
	return r
}

// SendMassMessage 群发。先试 agency endpoint（creatorUserUUID 必须是 UUID
// 而不是 handle），失败再退回 creator 自己的 endpoint。全失败返回 error。
func (c *Client) SendMassMessage(ctx context.Context, accessToken, creatorUserUUID string, req MassMessageRequest) (*MassMessageResult, error) {
	req.IncludedLists = mirrorSmartLists(req.IncludedLists)
	if req.ExcludedLists != nil {
		mirrored := mirrorSmartLists(*req.ExcludedLists)
		req.ExcludedLists = &mirrored
	}

	var endpoints []string
	if uuidPattern.MatchString(creatorUserUUID) {
		endpoints = append(endpoints, fmt.Sprintf("%s/creators/%s/chats/mass-messages", c.baseURL, url.PathEscape(creatorUserUUID)))
	}
	endpoints = append(endpoints, c.baseURL+"/chats/mass-messages")

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, u := range endpoints {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		status, raw, err := c.do(ctx, http.MethodPost, u, accessToken, body)
		if err != nil {
			lastErr = err
			continue
		}
		logProbe("mass_message", u, status)
		if status < 200 || status >= 300 {
			lastErr = fmt.Errorf("fanvue: mass message failed %d: %s", status, massMessageError(raw))
			continue
		}

		var parsed struct {
			Sent         int    `json:"sent"`
			SuccessCount int    `json:"successCount"`
			Count        int    `json:"count"`
			Failed       int    `json:"failed"`
			FailureCount int    `json:"failureCount"`
			MessageID    string `json:"messageId"`
			ID           string `json:"id"`
			UUID         string `json:"uuid"`
		}
		_ = json.Unmarshal(raw, &parsed)
		sent := parsed.Sent
		for _, alt := range []int{parsed.SuccessCount, parsed.Count} {
			if sent == 0 {
				sent = alt
			}
		}
		failed := parsed.Failed
		if failed == 0 {
			failed = parsed.FailureCount
		}
		return &MassMessageResult{
			Sent:      sent,
			Failed:    failed,
			MessageID: firstNonEmpty(parsed.MessageID, parsed.ID, parsed.UUID),
		}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("fanvue: mass message: no endpoints available")
	}
	return nil, lastErr
}

func massMessageError(raw []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return truncate(raw, 300)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
