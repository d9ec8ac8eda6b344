package domain

// DefaultProtocols builds the two supported protocol value objects with
// their native settings-field mappings and exchange prefix tables. Canary
// contracts come from configuration.
func DefaultProtocols(futuresCanaries []string, futuresPrimary string, stockOptCanaries []string, stockOptPrimary string) map[ProtocolName]*Protocol {
	return map[ProtocolName]*Protocol{
		ProtocolFutures: {
			Name:            ProtocolFutures,
			CanaryContracts: futuresCanaries,
			CanaryPrimary:   futuresPrimary,
			SettingsFields: map[string]string{
				"userid":     "用户名",
				"password":   "密码",
				"broker_id":  "经纪商代码",
				"td_address": "交易服务器",
				"md_address": "行情服务器",
				"app_id":     "产品名称",
				"auth_code":  "授权编码",
			},
			ExchangeSuffixes: map[string]string{
				"rb": "SHFE", "au": "SHFE", "ag": "SHFE", "cu": "SHFE",
				"i": "DCE", "m": "DCE", "c": "DCE", "p": "DCE",
				"TA": "CZCE", "MA": "CZCE", "SR": "CZCE",
				"IF": "CFFEX", "IC": "CFFEX", "IH": "CFFEX", "T": "CFFEX",
			},
		},
		ProtocolStockOptions: {
			Name:            ProtocolStockOptions,
			CanaryContracts: stockOptCanaries,
			CanaryPrimary:   stockOptPrimary,
			SettingsFields: map[string]string{
				"userid":     "账号",
				"password":   "密码",
				"td_address": "交易服务器",
				"md_address": "行情服务器",
			},
			ExchangeSuffixes: map[string]string{
				"510": "SSE", "511": "SSE", "688": "SSE",
				"159": "SZSE", "300": "SZSE",
			},
		},
	}
}
