package command

type msgKey int

const (
	msgStoreError msgKey = iota
	msgEmoticon
	msgUsageCommand
	msgUsageCommandNames
	msgUsageAlias
	msgUsagePrefix
	msgUsageGreeting
	msgUsageGreetingNames
	msgCommandAdded
	msgCommandExists
	msgCommandUpdated
	msgCommandDeleted
	msgCommandMissing
	msgAliasAdded
	msgAliasTargetMissing
	msgPrefixChanged
	msgGreetingAdded
	msgGreetingExists
	msgGreetingUpdated
	msgGreetingDeleted
	msgGreetingMissing
	msgGlobalList
	msgCommandList
	msgCommandListEmpty
	msgGreetingList
	msgGreetingListEmpty
	msgAttendanceDone
	msgAttendanceAlready
)

var messages = map[string]map[msgKey]string{
	"ko": {
		msgStoreError:         "처리 중 오류가 발생했습니다. 잠시 후 다시 시도해 주세요.",
		msgEmoticon:           "이모티콘은 명령어 이름이나 응답에 사용할 수 없습니다.",
		msgUsageCommand:       "사용법: {prefix}{command} 명령어[|명령어2] 응답",
		msgUsageCommandNames:  "사용법: {prefix}{command} 명령어[|명령어2]",
		msgUsageAlias:         "사용법: {prefix}{command} 명령어[|명령어2] 기본명령어",
		msgUsagePrefix:        "사용법: {prefix}{command} 접두사 (사용 가능: {allowed})",
		msgUsageGreeting:      "사용법: {prefix}{command} 키워드[|키워드2] 응답",
		msgUsageGreetingNames: "사용법: {prefix}{command} 키워드[|키워드2]",
		msgCommandAdded:       "명령어 추가 완료: {names}",
		msgCommandExists:      "이미 있는 명령어: {names}",
		msgCommandUpdated:     "명령어 수정 완료: {names}",
		msgCommandDeleted:     "명령어 삭제 완료: {names}",
		msgCommandMissing:     "없는 명령어: {names}",
		msgAliasAdded:         "명령어 연결 완료: {names} → {target}",
		msgAliasTargetMissing: "기본 명령어 '{target}'을(를) 찾을 수 없습니다.",
		msgPrefixChanged:      "접두사가 '{value}'(으)로 변경되었습니다.",
		msgGreetingAdded:      "인사 추가 완료: {names}",
		msgGreetingExists:     "이미 있는 인사: {names}",
		msgGreetingUpdated:    "인사 수정 완료: {names}",
		msgGreetingDeleted:    "인사 삭제 완료: {names}",
		msgGreetingMissing:    "없는 인사: {names}",
		msgGlobalList:         "명령어: {list}",
		msgCommandList:        "채널 명령어: {list}",
		msgCommandListEmpty:   "등록된 채널 명령어가 없습니다.",
		msgGreetingList:       "인사 키워드: {list}",
		msgGreetingListEmpty:  "등록된 인사가 없습니다.",
		msgAttendanceDone:     "{nickname}님 출석 완료! 연속 {streak}일 / 총 {total}일",
		msgAttendanceAlready:  "{nickname}님은 오늘 이미 출석했습니다. (연속 {streak}일 / 총 {total}일)",
	},
	"en": {
		msgStoreError:         "Something went wrong. Please try again shortly.",
		msgEmoticon:           "Emoticons can't be used in names or responses.",
		msgUsageCommand:       "Usage: {prefix}{command} name[|name2] response",
		msgUsageCommandNames:  "Usage: {prefix}{command} name[|name2]",
		msgUsageAlias:         "Usage: {prefix}{command} name[|name2] global-command",
		msgUsagePrefix:        "Usage: {prefix}{command} prefix (allowed: {allowed})",
		msgUsageGreeting:      "Usage: {prefix}{command} keyword[|keyword2] response",
		msgUsageGreetingNames: "Usage: {prefix}{command} keyword[|keyword2]",
		msgCommandAdded:       "Added command: {names}",
		msgCommandExists:      "Command already exists: {names}",
		msgCommandUpdated:     "Updated command: {names}",
		msgCommandDeleted:     "Deleted command: {names}",
		msgCommandMissing:     "No such command: {names}",
		msgAliasAdded:         "Linked {names} → {target}",
		msgAliasTargetMissing: "Global command '{target}' not found.",
		msgPrefixChanged:      "Command prefix is now '{value}'.",
		msgGreetingAdded:      "Added greeting: {names}",
		msgGreetingExists:     "Greeting already exists: {names}",
		msgGreetingUpdated:    "Updated greeting: {names}",
		msgGreetingDeleted:    "Deleted greeting: {names}",
		msgGreetingMissing:    "No such greeting: {names}",
		msgGlobalList:         "Commands: {list}",
		msgCommandList:        "Channel commands: {list}",
		msgCommandListEmpty:   "This channel has no commands yet.",
		msgGreetingList:       "Greetings: {list}",
		msgGreetingListEmpty:  "This channel has no greetings yet.",
		msgAttendanceDone:     "{nickname} checked in! Streak {streak} / total {total}",
		msgAttendanceAlready:  "{nickname}, you already checked in today. (streak {streak} / total {total})",
	},
}

// text looks key up in lang, falling back to Korean.
func text(lang string, key msgKey) string {
	if t, ok := messages[lang]; ok {
		if s, ok := t[key]; ok {
			return s
		}
	}
	return messages["ko"][key]
}
