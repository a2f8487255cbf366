// normalizer.go — 原始消息 → CanonicalEvent 归一化。
//
// 纯函数, 无状态, 热路径安全。
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/it-agent/support-console/pkg/errors"
	"github.com/it-agent/support-console/pkg/util"
)

// Decode 解析一条线上 JSON 消息。
//
// 只校验 JSON 合法性与 type 判别字段存在; 字段级缺失不算错误。
func Decode(data []byte) (RawEvent, error) {
	var raw RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return RawEvent{}, apperrors.Wrap(err, "event.Decode", "unmarshal message")
	}
	if raw.Type == "" {
		return RawEvent{}, apperrors.Wrap(apperrors.ErrInvalidInput, "event.Decode", "missing type discriminator")
	}
	return raw, nil
}

// Normalize 将 RawEvent 归一化为 CanonicalEvent。
//
// now 为接收时钟读数 — 上游不下发时间戳, 接收时间即事件时间。
// 控制消息 (ping/pong) 与未知类型拒绝归一化。
func Normalize(raw RawEvent, now time.Time) (CanonicalEvent, error) {
	kind := Kind(raw.Type)
	if kind.Control() {
		return CanonicalEvent{}, apperrors.Newf("event.Normalize", "control message %q not normalizable", raw.Type)
	}
	if !kind.Valid() {
		return CanonicalEvent{}, apperrors.Wrapf(apperrors.ErrInvalidInput, "event.Normalize", "unknown event type %q", raw.Type)
	}

	id := raw.EventID
	if id == "" {
		id = synthesizeID(raw, now)
	}
	return CanonicalEvent{ID: id, Timestamp: now, RawEvent: raw}, nil
}

// synthesizeID 合成事件唯一 ID: 接收时钟纳秒 + 类型 + 关联字段。
//
// 无任何关联字段时退回随机 uuid 片段; 服务端下发 event_id 时
// 不会走到这里 (幂等键优先)。
func synthesizeID(raw RawEvent, now time.Time) string {
	corr := util.FirstNonEmpty(raw.EmailID, raw.SessionID, raw.InstanceID)
	if corr == "" {
		corr = uuid.NewString()[:8]
	}
	return fmt.Sprintf("%d-%s-%s", now.UnixNano(), raw.Type, corr)
}
