// Package toolbus registers the closed tool surface exposed to the LLM and
// dispatches tool calls against browser sessions.
package toolbus

import (
	"github.com/cloudwego/eino/schema"
	"github.com/eino-contrib/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Tool names. The set is closed: dispatch rejects anything else.
const (
	ToolNavigate       = "navigate"
	ToolGetPageInfo    = "get_page_info"
	ToolGetPageContent = "get_page_content"
	ToolClick          = "click"
	ToolTypeText       = "type_text"
	ToolPressKey       = "press_key"
	ToolScroll         = "scroll"
	ToolGoBack         = "go_back"
	ToolFindElement    = "find_element"
	ToolWait           = "wait"
	ToolWaitForStable  = "wait_for_stable"
	ToolExecuteJS      = "execute_javascript"
	ToolSelectOption   = "select_option"
	ToolHover          = "hover"
	ToolSetValue       = "set_value"
	ToolCreateTab      = "create_tab"
	ToolCloseTab       = "close_tab"
	ToolSwitchTab      = "switch_tab"
	ToolListTabs       = "list_tabs"
	ToolScreenshot     = "screenshot"
	ToolHandleDialog   = "handle_dialog"
	ToolGetDialogInfo  = "get_dialog_info"
	ToolGetNetworkLogs = "get_network_logs"
	ToolGetConsoleLogs = "get_console_logs"
	ToolUploadFile     = "upload_file"
	ToolGetDownloads   = "get_downloads"

	// Agent pseudo-tools: terminal result and human-input suspension. The
	// bus never dispatches these; the agent loop intercepts them.
	ToolDone     = "done"
	ToolAskHuman = "ask_human"
)

type prop struct {
	key    string
	schema *jsonschema.Schema
}

func str(key, desc string) prop {
	return prop{key, &jsonschema.Schema{Type: string(schema.String), Description: desc}}
}

func strEnum(key, desc string, values ...any) prop {
	return prop{key, &jsonschema.Schema{Type: string(schema.String), Enum: values, Description: desc}}
}

func integer(key, desc string) prop {
	return prop{key, &jsonschema.Schema{Type: string(schema.Integer), Description: desc}}
}

func number(key, desc string) prop {
	return prop{key, &jsonschema.Schema{Type: string(schema.Number), Description: desc}}
}

func boolean(key, desc string) prop {
	return prop{key, &jsonschema.Schema{Type: string(schema.Boolean), Description: desc}}
}

func arrayOf(key, desc string, items *jsonschema.Schema) prop {
	return prop{key, &jsonschema.Schema{Type: string(schema.Array), Items: items, Description: desc}}
}

// objectSchema builds an object parameter schema with ordered properties,
// the way every tool in this codebase declares its inputs.
func objectSchema(required []string, props ...prop) *schema.ParamsOneOf {
	pairs := make([]orderedmap.Pair[string, *jsonschema.Schema], 0, len(props))
	for _, p := range props {
		pairs = append(pairs, orderedmap.Pair[string, *jsonschema.Schema]{Key: p.key, Value: p.schema})
	}
	return schema.NewParamsOneOfByJSONSchema(&jsonschema.Schema{
		Type:       string(schema.Object),
		Required:   required,
		Properties: orderedmap.New[string, *jsonschema.Schema](orderedmap.WithInitialData(pairs...)),
	})
}

// ToolInfos returns the tool descriptions registered with the LLM. All
// durations are milliseconds, offsets are bytes, and parameter keys are
// lowerCamelCase except element_id/tab_id style identifiers which follow
// the wire names the models were prompted with.
func ToolInfos() []*schema.ToolInfo {
	return []*schema.ToolInfo{
		{
			Name: ToolNavigate,
			Desc: "Navigate the active tab to a URL and wait for the page to load.",
			ParamsOneOf: objectSchema([]string{"url"},
				str("url", "Absolute URL to open"),
			),
		},
		{
			Name: ToolGetPageInfo,
			Desc: "List the interactive elements on the current page with stable element ids. Call this before click/type_text so element ids exist. On a repeat call for the same URL only the changed elements are returned.",
			ParamsOneOf: objectSchema(nil,
				integer("maxElements", "Maximum number of elements to return (default 100)"),
				boolean("visibleOnly", "Only elements inside the viewport (default false)"),
			),
		},
		{
			Name: ToolGetPageContent,
			Desc: "Extract the readable content of the current page (title, text sections, links).",
			ParamsOneOf: objectSchema(nil,
				integer("maxLength", "Maximum content length in characters (default 8000)"),
			),
		},
		{
			Name: ToolClick,
			Desc: "Click an element by its id from get_page_info.",
			ParamsOneOf: objectSchema([]string{"element_id"},
				str("element_id", "Element id from get_page_info, e.g. \"e12\""),
			),
		},
		{
			Name: ToolTypeText,
			Desc: "Clear a field and type text into it. Set submit to press Enter afterwards.",
			ParamsOneOf: objectSchema([]string{"element_id", "text"},
				str("element_id", "Element id from get_page_info"),
				str("text", "Text to type"),
				boolean("submit", "Press Enter after typing (default false)"),
			),
		},
		{
			Name: ToolPressKey,
			Desc: "Press a keyboard key, optionally with modifiers.",
			ParamsOneOf: objectSchema([]string{"key"},
				str("key", "Key name, e.g. \"Enter\", \"Tab\", \"Escape\", \"ArrowDown\""),
				arrayOf("modifiers", "Modifier keys", &jsonschema.Schema{
					Type: string(schema.String),
					Enum: []any{"Control", "Shift", "Alt", "Meta"},
				}),
			),
		},
		{
			Name: ToolScroll,
			Desc: "Scroll the page.",
			ParamsOneOf: objectSchema([]string{"direction"},
				strEnum("direction", "Scroll direction", "up", "down", "top", "bottom"),
			),
		},
		{
			Name:        ToolGoBack,
			Desc:        "Go back one entry in the tab history.",
			ParamsOneOf: objectSchema(nil),
		},
		{
			Name: ToolFindElement,
			Desc: "Find elements matching a natural-language description, e.g. \"search box\" or \"login button\".",
			ParamsOneOf: objectSchema([]string{"query"},
				str("query", "What to look for"),
				integer("limit", "Maximum matches to return (default 5)"),
			),
		},
		{
			Name: ToolWait,
			Desc: "Wait for a condition or a fixed time.",
			ParamsOneOf: objectSchema([]string{"condition"},
				strEnum("condition", "What to wait for", "time", "selector", "stable"),
				integer("ms", "Milliseconds to wait (for \"time\") or timeout (default 5000)"),
				str("selector", "CSS selector (for \"selector\")"),
			),
		},
		{
			Name:        ToolWaitForStable,
			Desc:        "Wait until the page is stable: no recent DOM changes and no pending short requests.",
			ParamsOneOf: objectSchema(nil),
		},
		{
			Name: ToolExecuteJS,
			Desc: "Run JavaScript in the page and return its JSON-serializable result.",
			ParamsOneOf: objectSchema([]string{"script"},
				str("script", "JavaScript expression or IIFE"),
			),
		},
		{
			Name: ToolSelectOption,
			Desc: "Select an option of a <select> element by visible label or value.",
			ParamsOneOf: objectSchema([]string{"element_id", "option"},
				str("element_id", "Element id of the select"),
				str("option", "Option label or value to select"),
			),
		},
		{
			Name: ToolHover,
			Desc: "Hover the mouse over an element (opens hover menus).",
			ParamsOneOf: objectSchema([]string{"element_id"},
				str("element_id", "Element id from get_page_info"),
			),
		},
		{
			Name: ToolSetValue,
			Desc: "Set an input's value directly without keystrokes (for date pickers and similar).",
			ParamsOneOf: objectSchema([]string{"element_id", "value"},
				str("element_id", "Element id from get_page_info"),
				str("value", "Value to set"),
			),
		},
		{
			Name: ToolCreateTab,
			Desc: "Open a new tab, optionally with a URL, and switch to it.",
			ParamsOneOf: objectSchema(nil,
				str("url", "URL to open in the new tab"),
			),
		},
		{
			Name: ToolCloseTab,
			Desc: "Close a tab (the active one when tab_id is omitted). Closing the last tab ends the session.",
			ParamsOneOf: objectSchema(nil,
				str("tab_id", "Tab id from list_tabs"),
			),
		},
		{
			Name: ToolSwitchTab,
			Desc: "Switch the active tab.",
			ParamsOneOf: objectSchema([]string{"tab_id"},
				str("tab_id", "Tab id from list_tabs"),
			),
		},
		{
			Name:        ToolListTabs,
			Desc:        "List the session's tabs with their ids and URLs.",
			ParamsOneOf: objectSchema(nil),
		},
		{
			Name: ToolScreenshot,
			Desc: "Capture a screenshot of the page or one element.",
			ParamsOneOf: objectSchema(nil,
				boolean("fullPage", "Capture the full scroll height (default false)"),
				str("element_id", "Capture just this element"),
				strEnum("format", "Image format", "png", "jpeg"),
				integer("quality", "JPEG quality 1-100 (default 80)"),
			),
		},
		{
			Name: ToolHandleDialog,
			Desc: "Respond to the currently open JavaScript dialog.",
			ParamsOneOf: objectSchema([]string{"action"},
				strEnum("action", "How to respond", "accept", "dismiss"),
				str("text", "Prompt text (for prompt dialogs)"),
			),
		},
		{
			Name:        ToolGetDialogInfo,
			Desc:        "Describe the currently open dialog, if any.",
			ParamsOneOf: objectSchema(nil),
		},
		{
			Name: ToolGetNetworkLogs,
			Desc: "Return recent network requests observed on the active tab.",
			ParamsOneOf: objectSchema(nil,
				integer("limit", "Maximum entries (default 30)"),
			),
		},
		{
			Name: ToolGetConsoleLogs,
			Desc: "Return recent console messages from the active tab.",
			ParamsOneOf: objectSchema(nil,
				integer("limit", "Maximum entries (default 30)"),
			),
		},
		{
			Name: ToolUploadFile,
			Desc: "Attach a local file to a file input element.",
			ParamsOneOf: objectSchema([]string{"element_id", "filePath"},
				str("element_id", "Element id of the file input"),
				str("filePath", "Absolute path of the file to attach"),
			),
		},
		{
			Name:        ToolGetDownloads,
			Desc:        "List downloads started by the active tab.",
			ParamsOneOf: objectSchema(nil),
		},
	}
}

// AgentToolInfos returns the pseudo-tools only the agent loop handles.
func AgentToolInfos() []*schema.ToolInfo {
	return []*schema.ToolInfo{
		{
			Name: ToolDone,
			Desc: "Finish the task and report the final result. Call this exactly once, when the task is complete or cannot proceed.",
			ParamsOneOf: objectSchema([]string{"result"},
				str("result", "Final answer or result summary for the user"),
				boolean("success", "Whether the task succeeded (default true)"),
			),
		},
		{
			Name: ToolAskHuman,
			Desc: "Ask the human operator for input the task needs (credentials, choices, confirmations). The run pauses until they answer.",
			ParamsOneOf: objectSchema([]string{"question"},
				str("question", "What to ask"),
				arrayOf("fields", "Structured input fields to request", &jsonschema.Schema{
					Type: string(schema.Object),
					Properties: orderedmap.New[string, *jsonschema.Schema](orderedmap.WithInitialData(
						orderedmap.Pair[string, *jsonschema.Schema]{Key: "name", Value: &jsonschema.Schema{Type: string(schema.String)}},
						orderedmap.Pair[string, *jsonschema.Schema]{Key: "label", Value: &jsonschema.Schema{Type: string(schema.String)}},
						orderedmap.Pair[string, *jsonschema.Schema]{Key: "type", Value: &jsonschema.Schema{
							Type: string(schema.String),
							Enum: []any{"text", "password"},
						}},
					)),
				}),
			),
		},
	}
}
