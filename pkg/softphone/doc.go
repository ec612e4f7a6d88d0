// Package softphone реализует слой оркестрации вызовов софтфона.
//
// Пакет отслеживает одновременные ноги вызова (сессии), проводит
// каждую через машину состояний сигнализации и координирует слияние
// нескольких ног в конференц-мост через перевод вызовов. Сигнальный
// транспорт, медиа и UI - внешние коллабораторы.
//
// # Основные возможности
//
//   - Реестр живых сессий с единственным указателем активной
//   - Машина состояний вызова на looplab/fsm
//     (idle, connecting, ringing, connected, terminating, failed)
//   - Оркестратор конференции со строго последовательными переводами
//     ног в серверную комнату
//   - Аудио маршрутизатор: размьючен только активный вызов, при
//     активной конференции - все участники вместе
//   - Тоновая обратная связь (ringback/ringtone) через pkg/tone
//   - Классификатор отказов SIP в стабильные категории ошибок
//   - Шина событий с неизменяемыми консолидированными срезами
//   - Журнал последних вызовов и Prometheus метрики
//
// # Архитектура
//
// Компоненты в порядке зависимостей:
//
//   - Registry - авторитетная карта ног вызова
//   - AudioRouter - политика mute/sink по всем сессиям
//   - Classify - отображение кодов отказа в категории
//   - Phone (call.go) - машина состояний вызова
//   - conference - оркестратор слияния в мост
//   - Bus - доставка срезов состояния подписчикам
//
// # Быстрый старт
//
//	tr, _ := siptransport.New(siptransport.DefaultConfig())
//	phone, err := softphone.New(softphone.Config{Transport: tr})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := phone.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer phone.Stop()
//
//	unsubscribe := phone.Subscribe(func(snap softphone.Snapshot) {
//	    fmt.Printf("вызовов: %d\n", len(snap.ActiveCalls))
//	})
//	defer unsubscribe()
//
//	sessionID, err := phone.Dial(ctx, "1002")
package softphone
