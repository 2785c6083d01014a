package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供拦截请求的代际、目标与命中来源字段，供拦截日志复用。
func RequestFields(generation, method, target, source string, crossOrigin bool) logrus.Fields {
	return logrus.Fields{
		"generation":   generation,
		"method":       method,
		"target":       target,
		"source":       source,
		"cache_hit":    source == "cache",
		"cross_origin": crossOrigin,
	}
}

// GenerationFields 描述生命周期事件涉及的缓存代际与状态。
func GenerationFields(action, generation, state string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
		"state":      state,
	}
}

// ClientFields 描述广播通道中单个客户端的信息。
func ClientFields(action, clientID, messageType string) logrus.Fields {
	return logrus.Fields{
		"action":       action,
		"client_id":    clientID,
		"message_type": messageType,
	}
}
