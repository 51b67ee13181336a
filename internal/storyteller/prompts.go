package storyteller

import (
	"fmt"

	"github.com/tablerst/storyteller/internal/llmcache"
	"github.com/tablerst/storyteller/internal/prompts"
)

// Prompt version constants, fixed per node so their cache keys and
// narration rows change only when the node's prompt contract changes.
const (
	EntityPromptVersion = "v0-mvp"
	NarrationPromptVersion = "v0-mvp"
	RefinePromptVersion    = "v0-refine"
)

const (
	keyEntitySystem    = "storyteller.entity.system"
	keyEntityUser      = "storyteller.entity.user"
	keyNarrationSystem = "storyteller.narration.system"
	keyNarrationUser   = "storyteller.narration.user"
	keyRefineSystem    = "storyteller.refine.system"
	keyRefineUser      = "storyteller.refine.user"
)

// RegisterPrompts installs every Storyteller Graph prompt template into
// resolver. Called once at controller startup.
func RegisterPrompts(resolver *prompts.Resolver) {
	resolver.Register(prompts.Prompt{
		Key:         keyEntitySystem,
		Description: "entity_extract system prompt",
		Text:        "你是一个严谨的命名实体抽取器。只输出严格有效 JSON，不要输出 markdown，不要输出解释。",
	})
	resolver.Register(prompts.Prompt{
		Key:         keyEntityUser,
		Description: "entity_extract user prompt",
		Text: "语言：{{.Language}}\n" +
			"请从以下章节文本中提取：人物、地点、道具/法宝、关键术语。\n" +
			"同义词或别名请保留原文写法，不要臆造。\n" +
			"输出字段要求：\n" +
			"- characters: string[]\n" +
			"- locations: string[]\n" +
			"- items: string[]\n" +
			"- key_phrases: string[]\n" +
			`仅输出 JSON：{"characters": [], "locations": [], "items": [], "key_phrases": []}` + "\n\n" +
			"<chapter_text>\n{{.ChapterText}}\n</chapter_text>\n",
	})

	resolver.Register(prompts.Prompt{
		Key:         keyNarrationSystem,
		Description: "storyteller_generate system prompt",
		Text: "You are an expert storyteller. Rewrite each chapter with immersive narration while preserving " +
			"core events and character dynamics. Return JSON only.",
	})
	resolver.Register(prompts.Prompt{
		Key:         keyNarrationUser,
		Description: "storyteller_generate user prompt",
		Text: "Language: {{.Language}}\n" +
			"Style: {{.Style}}\n" +
			"World state (hard constraints): {{.WorldStateJSON}}\n" +
			"Awakened memories (soft context): {{.MemoriesJSON}}\n" +
			"Chapter text:\n{{.ChapterText}}\n\n" +
			`Return JSON: {"narration": "...", "key_events": [], "character_updates": [], "new_items": []}`,
	})

	resolver.Register(prompts.Prompt{
		Key:         keyRefineSystem,
		Description: "refine_narration system prompt",
		Text: "你是一位小说叙事润色编辑。请在不改变事实的前提下，优化叙事连贯性、节奏和文风统一性。" +
			"只输出严格 JSON，不要输出 markdown。",
	})
	resolver.Register(prompts.Prompt{
		Key:         keyRefineUser,
		Description: "refine_narration user prompt",
		Text: "语言：{{.Language}}\n" +
			"目标风格：{{.Style}}\n\n" +
			"你会收到初稿和结构化约束，请仅做润色，不新增虚构事实。\n" +
			"关键事件（不可丢失）：\n{{.KeyEventsJSON}}\n\n" +
			"人物更新（不可丢失）：\n{{.CharacterUpdatesJSON}}\n\n" +
			"初稿：\n{{.DraftNarration}}\n\n" +
			`输出 JSON schema：{"narration": "string"}` + "\n",
	})

	resolver.Register(prompts.Prompt{
		Key:         keyStepNarrationSystem,
		Description: "storyteller_generate_step system prompt",
		Text: "你是一位资深评书艺人/剧情解说作者。你的目标不是压缩，而是重写：在不偏离事实的前提下，对一个 step 范围进行整体重写。" +
			"你将一次处理多个章节，但只能输出一个 step 级聚合结果，且遵守同一份世界观硬约束。" +
			"只输出严格有效 JSON 对象，不要输出 markdown，不要输出解释。",
	})
	resolver.Register(prompts.Prompt{
		Key:         keyStepNarrationUser,
		Description: "storyteller_generate_step user prompt",
		Text: "语言：{{.Language}}\n" +
			"风格：{{.Style}}\n\n" +
			"step 范围：第 {{.StepStart}} 章 到 第 {{.StepEnd}} 章。\n" +
			"请输出一个 step 级说书稿（不要逐章拆分输出）。\n\n" +
			"step 基准世界观状态（硬约束，所有章节共享）：\n{{.BaseWorldState}}\n\n" +
			"chapters（用于汇总，不要引用 step 范围外未来信息）：\n{{.Chapters}}\n\n" +
			"输出 JSON schema（单个对象）：\n" +
			`{"step_start_chapter_idx": 1, "step_end_chapter_idx": 8, "narration": "string", ` +
			`"key_events": [{"who":"string","what":"string","where":"string","outcome":"string","impact":"string"}], ` +
			`"character_updates": [{"name":"string","change_type":"status|location|ability|relationship","before":"string","after":"string","evidence":"string"}], ` +
			`"new_items": [{"name":"string","owner":"string","description":"string"}]}` + "\n",
	})
}

func cacheKeyFor(node, model, promptVersion, inputHash string, temperature float64) string {
	return llmcache.Key(node, model, promptVersion, inputHash, fmt.Sprintf("%v", temperature))
}
